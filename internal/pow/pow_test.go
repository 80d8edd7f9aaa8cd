package pow

import "testing"

func TestVerifyKnownVectors(t *testing.T) {
	// Taken from original_source/tests/utils/account_helper_test.cpp.
	if Verify("1wNmWdS1v8Q2qPyc9oVyruGaUtMB4pXpk", 16, 1181581746, 16816) {
		t.Fatal("expected verification to fail for this vector")
	}
	if !Verify("17CK7xV3pKu3y6j2McwA9pLuHBMS4fatM4", 16, 79355200, 395615) {
		t.Fatal("expected verification to succeed for this vector")
	}
}

func TestVerifyZeroDifficultyAlwaysPasses(t *testing.T) {
	if !Verify("anyone", 0, 1, 2) {
		t.Fatal("zero difficulty must always pass")
	}
}

func TestVerifyDifficultyAboveMaxAlwaysFails(t *testing.T) {
	if Verify("anyone", 33, 1, 2) {
		t.Fatal("difficulty above 32 must always fail")
	}
}

func TestChallengeExpiry(t *testing.T) {
	c, err := Mint(10)
	if err != nil {
		t.Fatal(err)
	}
	if c.Expired(0, c.IssuedAt) {
		t.Fatal("freshly minted challenge must not be expired at issue time")
	}
}

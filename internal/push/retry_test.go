package push

import "testing"

func TestExponentialDelayBackoffMatchesFormula(t *testing.T) {
	b := ExponentialDelayBackoff{InitialDelayMillis: 100, Multiplier: 2.0}
	rc := NewRetryContext(DefaultMaxDelayMillis, DefaultMaxRetries)

	rc.increaseRetryCount() // retries=1
	if got := b.DelayMillis(rc); got != 100 {
		t.Fatalf("delay after first retry = %d, want 100", got)
	}
	rc.increaseRetryCount() // retries=2
	if got := b.DelayMillis(rc); got != 200 {
		t.Fatalf("delay after second retry = %d, want 200", got)
	}
	rc.increaseRetryCount() // retries=3
	if got := b.DelayMillis(rc); got != 400 {
		t.Fatalf("delay after third retry = %d, want 400", got)
	}
}

func TestUniformRandomBackoffStaysWithinJitterRange(t *testing.T) {
	b := DefaultBackoff()
	rc := NewRetryContext(DefaultMaxDelayMillis, DefaultMaxRetries)
	rc.increaseRetryCount()

	for i := 0; i < 1000; i++ {
		d := b.DelayMillis(rc)
		if d < 0 || d > 100+DefaultJitterRangeMillis {
			t.Fatalf("jittered delay %d outside expected band", d)
		}
	}
}

func TestRetryContextStopsAtMaxRetries(t *testing.T) {
	rc := NewRetryContext(DefaultMaxDelayMillis, 3)
	for i := 0; i < 3; i++ {
		if !rc.WillRetry() {
			t.Fatalf("expected retry %d to be permitted", i)
		}
		rc.increaseRetryCount()
		rc.addDelayMillis(10) // stays well under DefaultMaxDelayMillis
	}
	if rc.WillRetry() {
		t.Fatal("expected retries to be exhausted after maxRetries")
	}
}

func TestRetryContextNeverRetriesWithZeroDelayBudget(t *testing.T) {
	rc := NewRetryContext(0, 3)
	if rc.WillRetry() {
		t.Fatal("expected a zero maxDelayMillis with no accumulated delay to refuse retry")
	}
}

func TestRetryContextStopsAtMaxDelay(t *testing.T) {
	rc := NewRetryContext(500, 1000)
	rc.increaseRetryCount()
	rc.addDelayMillis(500)
	if rc.WillRetry() {
		t.Fatal("expected retry to stop once accumulated delay reaches maxDelayMillis")
	}
}

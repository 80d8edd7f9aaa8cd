package address

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{"usr_alice", New("usr_alice", MasterDeviceID), false},
		{"usr_alice.3", New("usr_alice", 3), false},
		{"usr_alice.notanumber", Addr{}, true},
		{"", Addr{}, true},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Parse(%q): unexpected error %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestRedisChannel(t *testing.T) {
	a := New("usr_bob", 2)
	if got, want := a.RedisChannel(), "dispatch:usr_bob.2"; got != want {
		t.Errorf("RedisChannel() = %q, want %q", got, want)
	}
}

package clock

import (
	"testing"
	"time"
)

func TestNormalizeDeviceID(t *testing.T) {
	cases := []struct {
		in        string
		want      string
		wantValid bool
	}{
		{"E5E17001", "E5E17001", true},
		{"e5e17001", "E5E17001", true},
		{"  AB12CD34  ", "AB12CD34", true},
		{"", FallbackDeviceID, false},
		{"airwave01", "", false},   // hashed, shape-checked below
		{"DEADBEEF0", "", false},   // 9 chars
		{"GGGGGGGG", "", false},    // non-hex
	}
	for _, c := range cases {
		got, valid := NormalizeDeviceID(c.in)
		if valid != c.wantValid {
			t.Errorf("NormalizeDeviceID(%q) valid=%t want %t", c.in, valid, c.wantValid)
		}
		if c.want != "" && got != c.want {
			t.Errorf("NormalizeDeviceID(%q)=%q want %q", c.in, got, c.want)
		}
		if !deviceIDPattern.MatchString(got) {
			t.Errorf("NormalizeDeviceID(%q)=%q not 8 uppercase hex chars", c.in, got)
		}
	}
	// Deterministic fallback: same invalid input, same id.
	a, _ := NormalizeDeviceID("not-a-device-id")
	b, _ := NormalizeDeviceID("not-a-device-id")
	if a != b {
		t.Errorf("fallback not deterministic: %q vs %q", a, b)
	}
}

func TestNormalizeChannelNumber(t *testing.T) {
	if got := NormalizeChannelNumber("  1984.1\t"); got != "1984.1" {
		t.Errorf("got %q", got)
	}
}

func TestCompareChannelNumbers(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"2", "10", -1},
		{"10", "2", 1},
		{"1984.1", "1984.2", -1},
		{"1984.1", "1984.1", 0},
		{"1984", "1984.1", -1},
		{"abc", "abd", -1},
	}
	for _, c := range cases {
		if got := CompareChannelNumbers(c.a, c.b); got != c.want {
			t.Errorf("CompareChannelNumbers(%q,%q)=%d want %d", c.a, c.b, got, c.want)
		}
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f := NewFake(start)
	if !f.Now().Equal(start) {
		t.Fatalf("now: %v", f.Now())
	}
	f.Advance(90 * time.Second)
	if got := f.Since(start); got != 90*time.Second {
		t.Fatalf("since: %v", got)
	}
}

package clock

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// FallbackDeviceID is used when no device id is configured at all.
const FallbackDeviceID = "E5E17001"

var deviceIDPattern = regexp.MustCompile(`^[0-9A-F]{8}$`)

// NormalizeDeviceID returns an HDHomeRun-shaped device id: exactly 8
// uppercase hex characters. A valid input (after trim + uppercase) passes
// through unchanged. Anything else maps deterministically onto the hex
// space by hashing, so a misconfigured id stays stable across restarts
// instead of churning Plex's tuner identity.
func NormalizeDeviceID(raw string) (id string, valid bool) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if deviceIDPattern.MatchString(s) {
		return s, true
	}
	if s == "" {
		return FallbackDeviceID, false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return fmt.Sprintf("%08X", h.Sum32()), false
}

// NormalizeChannelNumber strips surrounding whitespace from a channel
// number. Channel numbers are strings end to end ("1984.1" is a legal
// number) and are never parsed as integers.
func NormalizeChannelNumber(raw string) string {
	return strings.TrimSpace(raw)
}

// CompareChannelNumbers orders channel numbers the way a tuner lineup
// does: numerically by major then minor segment, falling back to string
// comparison for non-numeric numbers.
func CompareChannelNumbers(a, b string) int {
	as := splitChannelNumber(a)
	bs := splitChannelNumber(b)
	for i := 0; i < len(as) && i < len(bs); i++ {
		if as[i] != bs[i] {
			if as[i] < bs[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(as) < len(bs):
		return -1
	case len(as) > len(bs):
		return 1
	}
	return strings.Compare(a, b)
}

func splitChannelNumber(s string) []int64 {
	s = NormalizeChannelNumber(s)
	parts := strings.Split(s, ".")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		var n int64
		ok := p != ""
		for _, r := range p {
			if r < '0' || r > '9' {
				ok = false
				break
			}
			n = n*10 + int64(r-'0')
		}
		if !ok {
			return nil
		}
		out = append(out, n)
	}
	return out
}

// NewSessionID returns a fresh stream session id.
func NewSessionID() string {
	return uuid.NewString()
}

package transcoder

import "strings"

// DecodeLossy converts subprocess output to a valid UTF-8 string, replacing
// any invalid sequences. ffmpeg's stderr can carry arbitrary bytes (file
// names, codec dumps); a strict decode here is a known silent-kill path.
func DecodeLossy(b []byte) string {
	return strings.ToValidUTF8(string(b), "�")
}

// TailLossy returns the last n bytes of b as valid UTF-8, for stderr tails
// in error messages and process handles.
func TailLossy(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return DecodeLossy(b)
}

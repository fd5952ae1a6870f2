package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	tests := []struct {
		url   string
		allow bool
	}{
		{"http://example.com/", true},
		{"https://example.com/stream.ts?token=x", true},
		{"HTTP://example.com", true},
		{"file:///etc/passwd", false},
		{"ftp://example.com", false},
		{"http://", false},
		{"/var/media/movie.mkv", false},
		{"", false},
		{"not-a-url", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		if got := IsHTTPOrHTTPS(tt.url); got != tt.allow {
			t.Errorf("IsHTTPOrHTTPS(%q) = %v, want %v", tt.url, got, tt.allow)
		}
	}
}

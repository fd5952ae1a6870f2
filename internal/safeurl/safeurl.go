// Package safeurl screens resolver output before it reaches an HTTP fetch
// or a transcoder command line.
package safeurl

import "net/url"

// IsHTTPOrHTTPS reports whether u is an absolute http(s) URL with a host.
// Everything else (file://, ftp://, data:, bare paths) is rejected so a
// mis-tagged media item can never point a fetch at the local filesystem.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

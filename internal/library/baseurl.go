package library

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
)

// DeriveBaseURL builds the base URL the service advertises in lineups and
// playlists. A configured base wins; otherwise it comes from the incoming
// request's Host header, with loopback hosts rewritten to the LAN address so
// other devices can actually reach the advertised URLs.
func DeriveBaseURL(configured string, r *http.Request) string {
	if configured != "" {
		return strings.TrimSuffix(configured, "/")
	}
	host := r.Host
	if host == "" {
		host = "localhost:5004"
	}
	h, port, err := net.SplitHostPort(host)
	if err != nil {
		h, port = host, ""
	}
	if isLoopback(h) {
		if lan := lanAddress(); lan != "" {
			h = lan
		}
	}
	if port != "" {
		host = net.JoinHostPort(h, port)
	} else {
		host = h
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + host
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// lanAddress finds the outbound interface address without sending traffic.
func lanAddress() string {
	conn, err := net.Dial("udp", "192.0.2.1:80")
	if err != nil {
		return ""
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(io.LimitReader(r, 8<<20)).Decode(v)
}

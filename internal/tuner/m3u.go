package tuner

import (
	"fmt"
	"io"
	"strings"

	"github.com/airwave-tv/airwave/internal/store"
)

// writeM3U renders an extended M3U playlist. Attribute values are quoted
// and stripped of characters that break naive parsers.
func writeM3U(w io.Writer, baseURL string, channels []store.Channel) {
	fmt.Fprintf(w, "#EXTM3U url-tvg=%q\n", baseURL+"/epg.xml")
	for _, ch := range channels {
		if ch.Number == "" {
			continue
		}
		var attrs strings.Builder
		fmt.Fprintf(&attrs, ` tvg-id=%q tvg-chno=%q`, ch.Number, ch.Number)
		fmt.Fprintf(&attrs, ` tvg-name=%q`, m3uEscape(ch.Name))
		if ch.Logo != "" {
			fmt.Fprintf(&attrs, ` tvg-logo=%q`, ch.Logo)
		}
		if ch.Group != "" {
			fmt.Fprintf(&attrs, ` group-title=%q`, m3uEscape(ch.Group))
		}
		fmt.Fprintf(w, "#EXTINF:-1%s,%s\n", attrs.String(), m3uEscape(ch.Name))
		fmt.Fprintf(w, "%s/iptv/channel/%s.ts\n", baseURL, ch.Number)
	}
}

func m3uEscape(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	return strings.ReplaceAll(s, `"`, "'")
}

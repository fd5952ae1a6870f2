package metadata

import (
	"context"
	"encoding/xml"
	"net/url"
	"os"
	"strings"

	"github.com/airwave-tv/airwave/internal/store"
)

// NFOProvider reads Kodi-style sidecar files next to local media. Remote
// URLs have no sidecar and always miss.
type NFOProvider struct{}

func (NFOProvider) Name() string { return "nfo" }

type nfoDoc struct {
	Title     string   `xml:"title"`
	ShowTitle string   `xml:"showtitle"`
	Season    int      `xml:"season"`
	Episode   int      `xml:"episode"`
	Year      int      `xml:"year"`
	Genres    []string `xml:"genre"`
}

func (NFOProvider) Lookup(_ context.Context, item store.MediaItem) (Fields, error) {
	p := localPath(item.URL)
	if p == "" {
		return Fields{}, ErrNoMatch
	}
	sidecar := strings.TrimSuffix(p, extOf(p)) + ".nfo"
	data, err := os.ReadFile(sidecar)
	if err != nil {
		return Fields{}, ErrNoMatch
	}
	var doc nfoDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Fields{}, err
	}
	return Fields{
		Title:     doc.Title,
		ShowTitle: doc.ShowTitle,
		Season:    doc.Season,
		Episode:   doc.Episode,
		Year:      doc.Year,
		Genres:    strings.Join(doc.Genres, ","),
	}, nil
}

func localPath(raw string) string {
	if strings.HasPrefix(raw, "/") {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return ""
	}
	p, err := url.PathUnescape(u.Path)
	if err != nil {
		return u.Path
	}
	return p
}

func extOf(p string) string {
	if i := strings.LastIndexByte(p, '.'); i > strings.LastIndexByte(p, '/') {
		return p[i:]
	}
	return ""
}

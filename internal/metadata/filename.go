package metadata

import (
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
)

var (
	episodePattern = regexp.MustCompile(`(?i)\bS(\d{1,2})\s?E(\d{1,2})\b`)
	yearPattern    = regexp.MustCompile(`\b((?:19|20)\d{2})\b`)

	// placeholderPattern matches synthetic titles some extractors leave
	// behind; they must never surface in a guide.
	placeholderPattern = regexp.MustCompile(`^Item \d+$`)
)

// IsPlaceholderTitle reports whether a title is an extractor placeholder.
func IsPlaceholderTitle(title string) bool {
	return placeholderPattern.MatchString(strings.TrimSpace(title))
}

// ParseFilename derives fields from a media path or URL. Separator
// characters are folded to spaces before matching.
func ParseFilename(p string) Fields {
	name := basename(p)
	clean := strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(name)
	clean = strings.Join(strings.Fields(clean), " ")

	var f Fields
	if m := episodePattern.FindStringSubmatchIndex(clean); m != nil {
		f.Season, _ = strconv.Atoi(clean[m[2]:m[3]])
		f.Episode, _ = strconv.Atoi(clean[m[4]:m[5]])
		f.ShowTitle = strings.TrimSpace(clean[:m[0]])
		if f.ShowTitle != "" {
			f.Title = f.ShowTitle + " " + strings.ToUpper(clean[m[0]:m[1]])
		}
	}
	if m := yearPattern.FindStringSubmatch(clean); m != nil {
		f.Year, _ = strconv.Atoi(m[1])
		if f.Title == "" {
			title := strings.TrimSpace(clean[:strings.Index(clean, m[1])])
			if title != "" {
				f.Title = title + " (" + m[1] + ")"
			}
		}
	}
	if f.Title == "" && clean != "" {
		f.Title = clean
	}
	return f
}

// BasenameTitle returns the URL path's base name without extension, decoded.
func BasenameTitle(raw string) string {
	return basename(raw)
}

func basename(raw string) string {
	p := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		p = u.Path
	}
	if dec, err := url.PathUnescape(p); err == nil {
		p = dec
	}
	base := path.Base(strings.ReplaceAll(p, `\`, `/`))
	return strings.TrimSuffix(base, path.Ext(base))
}

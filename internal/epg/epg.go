// Package epg renders the XMLTV guide from projected playout. Programmes
// are re-timed sequentially so the guide never carries overlaps, titles
// fall back through a fixed chain, and a validator gates every emit. A
// failed cycle keeps the previous document cached.
package epg

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/metadata"
	"github.com/airwave-tv/airwave/internal/metrics"
	"github.com/airwave-tv/airwave/internal/playout"
	"github.com/airwave-tv/airwave/internal/store"
)

const (
	DefaultHorizon  = 48 * time.Hour
	DefaultInterval = 15 * time.Minute

	generatorName = "airwave"
)

// ValidationError carries every problem found in one generation cycle.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("epg: validation failed: %s", strings.Join(e.Problems, "; "))
}

// cycleStats drives the once-per-cycle early warnings.
type cycleStats struct {
	programmes     int
	missingEpisode int
	missingYear    int
	placeholders   int
}

// Generator builds and caches the XMLTV document.
type Generator struct {
	st       *store.Store
	engine   *playout.Engine
	enricher *metadata.Enricher // nil when enrichment is disabled
	clk      clock.Clock
	log      zerolog.Logger
	horizon  time.Duration

	mu          sync.Mutex
	lastXML     []byte
	lastBrotli  []byte
	generatedAt time.Time
}

func NewGenerator(st *store.Store, engine *playout.Engine, enricher *metadata.Enricher,
	clk clock.Clock, logger zerolog.Logger, horizon time.Duration) *Generator {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Generator{
		st:       st,
		engine:   engine,
		enricher: enricher,
		clk:      clk,
		log:      logger.With().Str("component", "epg").Logger(),
		horizon:  horizon,
	}
}

// Run regenerates the guide on a fixed interval until ctx ends. The first
// generation happens immediately so the cache is warm before the tuner
// serves its first request.
func (g *Generator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if _, err := g.Generate(ctx); err != nil {
		g.log.Error().Err(err).Msg("initial epg generation failed")
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := g.Generate(ctx); err != nil {
				g.log.Error().Err(err).Msg("epg generation failed")
			}
		}
	}
}

// Generate builds a fresh document. On validation failure the previous
// document stays cached and the error describes every rejected programme.
func (g *Generator) Generate(ctx context.Context) ([]byte, error) {
	now := g.clk.Now()
	channels, err := g.st.ListChannels(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("epg: list channels: %w", err)
	}

	doc := tvDoc{GeneratorName: generatorName}
	var stats cycleStats
	var problems []string

	// Lineup mismatches are advisory: they surface in the metric and a
	// once-per-cycle warning but never withhold the guide.
	g.checkLineup(channels)

	for _, ch := range channels {
		if !ch.ShowInEPG {
			continue
		}
		doc.Channels = append(doc.Channels, tvChannel{
			ID:           ch.Number,
			DisplayNames: displayNames(ch),
			Icon:         channelIcon(ch),
		})

		progs, err := g.engine.FutureProgrammes(ctx, ch.ID, now, g.horizon)
		if err != nil {
			g.log.Warn().Err(err).Int64("channel_id", ch.ID).Msg("programme projection failed")
			continue
		}
		rendered, chProblems := g.renderChannel(ch, progs, now, &stats)
		doc.Programmes = append(doc.Programmes, rendered...)
		problems = append(problems, chProblems...)
	}

	if len(problems) > 0 {
		metrics.XMLTVValidationErrors.Inc()
		return nil, &ValidationError{Problems: problems}
	}

	out, err := marshalDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("epg: marshal: %w", err)
	}

	g.mu.Lock()
	g.lastXML = out
	g.lastBrotli = brotliEncode(out)
	g.generatedAt = now
	g.mu.Unlock()

	g.emitWarnings(stats)
	if g.enricher != nil {
		g.enricher.CycleCheck()
	}
	return out, nil
}

// Cached returns the last good document. Empty until the first successful
// generation.
func (g *Generator) Cached() ([]byte, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastXML, g.generatedAt
}

// CachedBrotli returns the brotli encoding of the last good document.
func (g *Generator) CachedBrotli() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastBrotli
}

// renderChannel re-times the projection sequentially and validates each
// programme. Projection output is already contiguous in the common case;
// the re-timing pass makes that a hard guarantee.
func (g *Generator) renderChannel(ch store.Channel, progs []playout.Programme,
	now time.Time, stats *cycleStats) ([]tvProgramme, []string) {
	var out []tvProgramme
	var problems []string

	var cursor time.Time
	for i, p := range progs {
		start := p.Start
		if !cursor.IsZero() {
			start = cursor
		}
		dur := p.End.Sub(p.Start)
		if dur <= 0 {
			problems = append(problems,
				fmt.Sprintf("channel %s programme %d: start not before stop", ch.Number, i))
			continue
		}
		stop := start.Add(dur)
		cursor = stop

		if stop.Before(now) {
			continue
		}
		if start.Year() < 1970 || stop.Year() > 2100 {
			problems = append(problems,
				fmt.Sprintf("channel %s programme %d: time outside 1970-2100", ch.Number, i))
			continue
		}

		title := g.titleFor(ch, p, start, stats)
		if title == "" {
			problems = append(problems,
				fmt.Sprintf("channel %s programme %d: empty title", ch.Number, i))
			continue
		}

		prog := tvProgramme{
			Start:   start.Format(xmltvTimeLayout),
			Stop:    stop.Format(xmltvTimeLayout),
			Channel: ch.Number,
			Title:   title,
		}
		if p.Item.Genres != "" {
			prog.Categories = strings.Split(p.Item.Genres, ",")
		}
		if p.Item.Year > 0 {
			prog.Date = fmt.Sprintf("%d", p.Item.Year)
		} else if !p.Filler {
			stats.missingYear++
		}
		if p.Item.Episode > 0 {
			prog.EpisodeNum = &tvEpisodeNum{
				System: "xmltv_ns",
				Value:  episodeNum(p.Item.Season, p.Item.Episode),
			}
		} else if !p.Filler {
			stats.missingEpisode++
		}
		stats.programmes++
		out = append(out, prog)
	}
	return out, problems
}

// titleFor walks the fallback chain: slot override, item title, filename
// patterns, URL basename, then a synthesized channel/time label. Extractor
// placeholders never survive the chain.
func (g *Generator) titleFor(ch store.Channel, p playout.Programme, start time.Time, stats *cycleStats) string {
	candidates := []string{
		p.CustomTitle,
		p.Item.Title,
		metadata.ParseFilename(p.Item.URL).Title,
		metadata.BasenameTitle(p.Item.URL),
	}
	rejected := false
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if metadata.IsPlaceholderTitle(c) {
			rejected = true
			continue
		}
		if rejected {
			stats.placeholders++
			metrics.PlaceholderTitles.Inc()
		}
		return c
	}
	if rejected {
		stats.placeholders++
		metrics.PlaceholderTitles.Inc()
	}
	return fmt.Sprintf("%s — %s", ch.Name, start.Format("15:04"))
}

// checkLineup cross-checks the guide against the tuner lineup. Duplicate
// guide numbers and unnamed channels break downstream mapping, but the
// tuner already drops them from the lineup, so here they only count and
// warn once per cycle.
func (g *Generator) checkLineup(channels []store.Channel) {
	seen := make(map[string]bool, len(channels))
	mismatches := 0
	for _, ch := range channels {
		if ch.Number == "" || ch.Name == "" {
			mismatches++
			continue
		}
		if seen[ch.Number] {
			mismatches++
		}
		seen[ch.Number] = true
	}
	if mismatches > 0 {
		metrics.XMLTVLineupMismatch.Inc()
		g.log.Warn().Int("mismatches", mismatches).Msg("lineup cross-check failed")
	}
}

func (g *Generator) emitWarnings(stats cycleStats) {
	if stats.programmes == 0 {
		return
	}
	total := float64(stats.programmes)
	if float64(stats.missingEpisode)/total > 0.05 {
		g.log.Warn().Int("missing", stats.missingEpisode).Int("programmes", stats.programmes).
			Msg("many programmes missing episode numbering")
	}
	if float64(stats.missingYear)/total > 0.05 {
		g.log.Warn().Int("missing", stats.missingYear).Int("programmes", stats.programmes).
			Msg("many programmes missing year")
	}
	if stats.placeholders > 10 {
		g.log.Warn().Int("placeholders", stats.placeholders).
			Msg("placeholder titles leaking into guide fallback chain")
	}
	if g.enricher != nil && g.enricher.FailureRatio() > 0.3 {
		g.log.Warn().Float64("failure_ratio", g.enricher.FailureRatio()).
			Msg("metadata failure ratio above threshold")
	}
}

// episodeNum renders xmltv_ns numbering, which is zero-based with a literal
// part index.
func episodeNum(season, episode int) string {
	s := season - 1
	if s < 0 {
		s = 0
	}
	e := episode - 1
	if e < 0 {
		e = 0
	}
	return fmt.Sprintf("%d.%d.0", s, e)
}

func displayNames(ch store.Channel) []string {
	names := []string{ch.Name}
	if ch.Number != "" {
		names = append(names, ch.Number)
	}
	return names
}

func channelIcon(ch store.Channel) *tvIcon {
	if ch.Logo == "" {
		return nil
	}
	return &tvIcon{Src: ch.Logo}
}

func marshalDoc(doc tvDoc) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

func brotliEncode(data []byte) []byte {
	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, brotli.DefaultCompression)
	if _, err := w.Write(data); err != nil {
		return nil
	}
	if err := w.Close(); err != nil {
		return nil
	}
	return buf.Bytes()
}

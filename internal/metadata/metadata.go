// Package metadata enriches media items by querying providers in a fixed
// order and merging whatever each one knows. Lookup statistics feed the
// drift detector and the agent's confidence score.
package metadata

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/metrics"
	"github.com/airwave-tv/airwave/internal/store"
)

// Fields is the mergeable result of one provider lookup. Zero values mean
// "unknown"; merging never overwrites a known field with an unknown one.
type Fields struct {
	Title     string
	ShowTitle string
	Season    int
	Episode   int
	Year      int
	Genres    string
}

func (f *Fields) merge(other Fields) {
	if f.Title == "" || IsPlaceholderTitle(f.Title) {
		if other.Title != "" {
			f.Title = other.Title
		}
	}
	if f.ShowTitle == "" {
		f.ShowTitle = other.ShowTitle
	}
	if f.Season == 0 {
		f.Season = other.Season
	}
	if f.Episode == 0 {
		f.Episode = other.Episode
	}
	if f.Year == 0 {
		f.Year = other.Year
	}
	if f.Genres == "" {
		f.Genres = other.Genres
	}
}

func (f Fields) complete() bool {
	return f.Title != "" && !IsPlaceholderTitle(f.Title) &&
		f.Year != 0 && (f.ShowTitle == "" || f.Episode != 0)
}

// Provider answers a metadata lookup for one item. ErrNoMatch signals a
// clean miss; any other error is a provider failure.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, item store.MediaItem) (Fields, error)
}

// Enricher runs the provider chain and persists merged results.
type Enricher struct {
	st        *store.Store
	providers []Provider
	log       zerolog.Logger

	mu         sync.Mutex
	successes  int
	failures   int
	prevRatio  float64
	confidence float64
}

// NewEnricher chains providers in lookup order.
func NewEnricher(st *store.Store, providers []Provider, logger zerolog.Logger) *Enricher {
	return &Enricher{
		st:         st,
		providers:  providers,
		log:        logger.With().Str("component", "metadata").Logger(),
		confidence: 0.5,
	}
}

// Enrich merges provider results into item and persists them. A provider
// failure moves to the next provider; the chain only fails as a whole when
// every provider does.
func (e *Enricher) Enrich(ctx context.Context, item store.MediaItem) (store.MediaItem, error) {
	fields := Fields{
		Title:     item.Title,
		ShowTitle: item.ShowTitle,
		Season:    item.Season,
		Episode:   item.Episode,
		Year:      item.Year,
		Genres:    item.Genres,
	}

	anySuccess := false
	for _, p := range e.providers {
		if fields.complete() {
			break
		}
		got, err := p.Lookup(ctx, item)
		switch {
		case err == nil:
			anySuccess = true
			fields.merge(got)
			e.recordSuccess()
		case err == ErrNoMatch:
			// A miss is not a provider failure.
		default:
			e.recordFailure()
			e.log.Debug().Err(err).Str("provider", p.Name()).
				Int64("media_id", item.ID).Msg("metadata lookup failed")
		}
	}

	if !anySuccess && fields.Title == item.Title && fields.Episode == item.Episode && fields.Year == item.Year {
		return item, nil
	}

	item.Title = fields.Title
	item.ShowTitle = fields.ShowTitle
	item.Season = fields.Season
	item.Episode = fields.Episode
	item.Year = fields.Year
	if err := e.st.UpdateMediaMetadata(ctx, item.ID, item.Title, item.ShowTitle,
		item.Season, item.Episode, item.Year, item.ProviderMeta); err != nil {
		return item, err
	}
	return item, nil
}

// EnrichPending processes up to limit items still missing metadata.
func (e *Enricher) EnrichPending(ctx context.Context, limit int) (int, error) {
	items, err := e.st.MediaNeedingMetadata(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, item := range items {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := e.Enrich(ctx, item); err == nil {
			n++
		}
	}
	return n, nil
}

func (e *Enricher) recordSuccess() {
	metrics.MetadataLookupSuccess.Inc()
	e.mu.Lock()
	e.successes++
	e.confidence += 0.1
	if e.confidence > 1 {
		e.confidence = 1
	}
	e.mu.Unlock()
}

func (e *Enricher) recordFailure() {
	metrics.MetadataLookupFailure.Inc()
	e.mu.Lock()
	e.failures++
	e.confidence *= 0.8
	if e.confidence < 0.1 {
		e.confidence = 0.1
	}
	e.mu.Unlock()
}

// Confidence is the agent-facing score in [0.1, 1].
func (e *Enricher) Confidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.confidence
}

// FailureRatio is failures/(failures+successes) for the current cycle.
func (e *Enricher) FailureRatio() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failureRatioLocked()
}

func (e *Enricher) failureRatioLocked() float64 {
	total := e.failures + e.successes
	if total == 0 {
		return 0
	}
	return float64(e.failures) / float64(total)
}

// CycleCheck runs the per-EPG-cycle drift detection: a ratio rise of more
// than 0.1 over the previous cycle emits one warning. Counters carry over;
// only the comparison point moves.
func (e *Enricher) CycleCheck() {
	e.mu.Lock()
	ratio := e.failureRatioLocked()
	prev := e.prevRatio
	e.prevRatio = ratio
	e.mu.Unlock()

	if ratio-prev > 0.1 {
		e.log.Warn().Float64("failure_ratio", ratio).Float64("previous", prev).
			Msg("metadata failure ratio rising")
	}
	if ratio > 0.3 {
		e.log.Warn().Float64("failure_ratio", ratio).Msg("metadata failure ratio above threshold")
	}
}

// Package agent is the bounded diagnostic loop. It is deterministic: an
// observation maps to a fixed tool plan, every run is capped at MaxSteps,
// and a static registry carries risk and cooldown for each tool. There is
// no recursion and no tool-from-tool dispatch.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/metadata"
	"github.com/airwave-tv/airwave/internal/procpool"
)

const (
	confidenceFloor    = 0.3
	metaFailStreakMax  = 3
	ratioWorsenedLimit = 0.1
)

// Observation kinds the loop knows how to plan for.
const (
	ObservedChannelStalled    = "channel_stalled"
	ObservedMetadataDrift     = "metadata_drift"
	ObservedGuideStale        = "guide_stale"
	ObservedPlaceholderTitles = "placeholder_titles"
)

type Observation struct {
	Kind      string
	ChannelID int64
	// ConfidenceOverride lets an operator force metadata tools through the
	// confidence gate.
	ConfidenceOverride bool
}

type StepResult struct {
	Tool    string
	Skipped bool
	Reason  string
	Output  string
	Err     error
}

type Report struct {
	Observation Observation
	Steps       []StepResult
	Aborted     bool
	AbortReason string
}

// HealthView is the supervisor surface the tools read.
type HealthView interface {
	ChannelState(channelID int64) string
	RecentRestarts() int
}

// Deps are injected as plain funcs so the loop stays decoupled from the
// components it pokes.
type Deps struct {
	PoolStats         func() procpool.Stats
	Health            HealthView
	Enricher          *metadata.Enricher
	Logs              *LogBuffer
	Containment       *Containment
	RebuildEPG        func(ctx context.Context) error
	ReparseFilenames  func(ctx context.Context) (int, error)
	InvalidatePlayout func(channelID int64)
	PlexRefresh       func(ctx context.Context) error
	RestartChannel    func(channelID int64) (allowed bool, reason string)
}

type Config struct {
	Enabled                bool
	MaxSteps               int
	MetadataSelfResolution bool
	MetadataCooldown       time.Duration
}

type Agent struct {
	cfg   Config
	deps  Deps
	tools []Tool
	clk   clock.Clock
	log   zerolog.Logger

	mu             sync.Mutex
	lastRun        map[string]time.Time
	metaFailStreak int
	disabled       bool
	disabledWhy    string
}

func New(cfg Config, deps Deps, clk clock.Clock, logger zerolog.Logger) *Agent {
	if cfg.MaxSteps < 1 {
		cfg.MaxSteps = 3
	}
	return &Agent{
		cfg:     cfg,
		deps:    deps,
		tools:   registry(),
		clk:     clk,
		log:     logger.With().Str("component", "agent").Logger(),
		lastRun: make(map[string]time.Time),
	}
}

// Disabled reports whether the loop shut itself down, and why.
func (a *Agent) Disabled() (bool, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.disabled, a.disabledWhy
}

// planFor maps an observation to a fixed tool sequence. Unknown kinds get
// the read-only triage plan.
func planFor(obs Observation) []string {
	switch obs.Kind {
	case ObservedChannelStalled:
		return []string{"get_channel_health", "inspect_pool_status", "restart_channel"}
	case ObservedMetadataDrift:
		return []string{"fetch_recent_logs", "re_enrich_metadata", "rebuild_xmltv"}
	case ObservedGuideStale:
		return []string{"fetch_recent_logs", "rebuild_playout", "rebuild_xmltv"}
	case ObservedPlaceholderTitles:
		return []string{"reparse_filename_metadata", "refresh_plex_metadata", "rebuild_xmltv"}
	default:
		return []string{"fetch_recent_logs", "inspect_pool_status", "get_channel_health"}
	}
}

func (a *Agent) tool(name string) (Tool, bool) {
	for _, t := range a.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

// RunLoop executes one bounded loop for the observation. It never blocks
// on anything but the tools themselves, and aborts rather than exceed its
// caps.
func (a *Agent) RunLoop(ctx context.Context, obs Observation) Report {
	report := Report{Observation: obs}

	if !a.cfg.Enabled {
		report.Aborted = true
		report.AbortReason = "agent disabled by configuration"
		return report
	}
	if disabled, why := a.Disabled(); disabled {
		report.Aborted = true
		report.AbortReason = "agent shut down: " + why
		return report
	}
	if a.deps.Containment != nil && a.deps.Containment.Evaluate() {
		report.Aborted = true
		report.AbortReason = "containment active: " + a.deps.Containment.Reason()
		return report
	}

	plan := planFor(obs)
	if len(plan) > a.cfg.MaxSteps {
		plan = plan[:a.cfg.MaxSteps]
	}

	ratioBefore := -1.0
	usedHigh := false
	ran := make(map[string]bool, len(plan))

	for _, name := range plan {
		if ctx.Err() != nil {
			report.Aborted = true
			report.AbortReason = ctx.Err().Error()
			return report
		}
		tool, ok := a.tool(name)
		if !ok {
			report.Steps = append(report.Steps, StepResult{Tool: name, Skipped: true, Reason: "unknown tool"})
			continue
		}
		if ran[name] {
			report.Steps = append(report.Steps, StepResult{Tool: name, Skipped: true, Reason: "already ran this loop"})
			continue
		}
		if tool.Risk == RiskHigh && usedHigh {
			report.Steps = append(report.Steps, StepResult{Tool: name, Skipped: true, Reason: "high-risk budget spent"})
			continue
		}
		if reason := a.gate(tool, obs); reason != "" {
			report.Steps = append(report.Steps, StepResult{Tool: name, Skipped: true, Reason: reason})
			continue
		}

		if tool.MetadataTool && ratioBefore < 0 && a.deps.Enricher != nil {
			ratioBefore = a.deps.Enricher.FailureRatio()
		}

		out, err := tool.run(ctx, a, obs.ChannelID)
		ran[name] = true
		if tool.Risk == RiskHigh {
			usedHigh = true
		}
		a.noteRun(tool.Name)
		report.Steps = append(report.Steps, StepResult{Tool: name, Output: out, Err: err})

		if tool.MetadataTool {
			if abort := a.noteMetadataOutcome(err); abort != "" {
				report.Aborted = true
				report.AbortReason = abort
				return report
			}
		}
		if err != nil {
			a.log.Warn().Err(err).Str("tool", name).Msg("tool failed")
		}
	}

	if ratioBefore >= 0 && a.deps.Enricher != nil {
		after := a.deps.Enricher.FailureRatio()
		if after-ratioBefore > ratioWorsenedLimit {
			a.shutdown(fmt.Sprintf("self-resolution worsened failure ratio (%.2f to %.2f)", ratioBefore, after))
			report.Aborted = true
			report.AbortReason = "metadata failure ratio worsened"
		}
	}
	return report
}

// gate applies cooldown, feature-flag, and confidence checks. Empty string
// means the tool may run.
func (a *Agent) gate(tool Tool, obs Observation) string {
	if tool.MetadataTool {
		if !a.cfg.MetadataSelfResolution {
			return "metadata self-resolution disabled"
		}
		if !obs.ConfidenceOverride && a.deps.Enricher != nil &&
			a.deps.Enricher.Confidence() < confidenceFloor {
			return "enrichment confidence below floor"
		}
	}

	cooldown := tool.Cooldown
	if tool.MetadataTool && a.cfg.MetadataCooldown > 0 {
		cooldown = a.cfg.MetadataCooldown
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.lastRun[tool.Name]; ok && a.clk.Since(last) < cooldown {
		return "cooling down"
	}
	return ""
}

func (a *Agent) noteRun(name string) {
	a.mu.Lock()
	a.lastRun[name] = a.clk.Now()
	a.mu.Unlock()
}

// noteMetadataOutcome tracks consecutive metadata-tool failures; three in a
// row shuts the loop down until an operator clears it.
func (a *Agent) noteMetadataOutcome(err error) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err == nil {
		a.metaFailStreak = 0
		return ""
	}
	a.metaFailStreak++
	if a.metaFailStreak >= metaFailStreakMax {
		a.disabled = true
		a.disabledWhy = "3 consecutive metadata tool failures"
		a.log.Error().Msg("agent shutting down after repeated metadata failures")
		return a.disabledWhy
	}
	return ""
}

func (a *Agent) shutdown(why string) {
	a.mu.Lock()
	a.disabled = true
	a.disabledWhy = why
	a.mu.Unlock()
	a.log.Error().Str("reason", why).Msg("agent shutting down")
}

// Reset clears a self-shutdown. Operator action only.
func (a *Agent) Reset() {
	a.mu.Lock()
	a.disabled = false
	a.disabledWhy = ""
	a.metaFailStreak = 0
	a.mu.Unlock()
}

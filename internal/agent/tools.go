package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Risk string

const (
	RiskLow    Risk = "LOW"
	RiskMedium Risk = "MEDIUM"
	RiskHigh   Risk = "HIGH"
)

// Tool is one registry entry. The registry is static: tools cannot call
// other tools, and nothing here writes to the database or spawns processes
// outside the pool and restart gates.
type Tool struct {
	Name       string
	Risk       Risk
	Cooldown   time.Duration
	RetryCap   int
	Idempotent bool
	// MetadataTool entries are gated on enrichment confidence and the
	// self-resolution feature flag.
	MetadataTool bool

	run func(ctx context.Context, a *Agent, channelID int64) (string, error)
}

func registry() []Tool {
	return []Tool{
		{
			Name: "fetch_recent_logs", Risk: RiskLow, Cooldown: 5 * time.Second,
			RetryCap: 1, Idempotent: true,
			run: func(_ context.Context, a *Agent, _ int64) (string, error) {
				if a.deps.Logs == nil {
					return "", fmt.Errorf("agent: no log buffer attached")
				}
				return strings.Join(a.deps.Logs.Tail(50), "\n"), nil
			},
		},
		{
			Name: "inspect_pool_status", Risk: RiskLow, Cooldown: 10 * time.Second,
			RetryCap: 1, Idempotent: true,
			run: func(_ context.Context, a *Agent, _ int64) (string, error) {
				if a.deps.PoolStats == nil {
					return "", fmt.Errorf("agent: no pool attached")
				}
				s := a.deps.PoolStats()
				return fmt.Sprintf("active=%d pending=%d max=%d pressure=%.2f",
					s.Active, s.Pending, s.Max, s.Pressure), nil
			},
		},
		{
			Name: "get_channel_health", Risk: RiskLow, Cooldown: 5 * time.Second,
			RetryCap: 1, Idempotent: true,
			run: func(_ context.Context, a *Agent, channelID int64) (string, error) {
				if a.deps.Health == nil {
					return "", fmt.Errorf("agent: no supervisor attached")
				}
				return fmt.Sprintf("state=%s recent_restarts=%d",
					a.deps.Health.ChannelState(channelID), a.deps.Health.RecentRestarts()), nil
			},
		},
		{
			Name: "re_enrich_metadata", Risk: RiskLow, Cooldown: 30 * time.Second,
			RetryCap: 2, Idempotent: true, MetadataTool: true,
			run: func(ctx context.Context, a *Agent, _ int64) (string, error) {
				if a.deps.Enricher == nil {
					return "", fmt.Errorf("agent: no enricher attached")
				}
				n, err := a.deps.Enricher.EnrichPending(ctx, 25)
				return fmt.Sprintf("enriched=%d", n), err
			},
		},
		{
			Name: "refresh_plex_metadata", Risk: RiskLow, Cooldown: 30 * time.Second,
			RetryCap: 2, Idempotent: true, MetadataTool: true,
			run: func(ctx context.Context, a *Agent, _ int64) (string, error) {
				if a.deps.PlexRefresh == nil {
					return "", fmt.Errorf("agent: plex source not configured")
				}
				return "refreshed", a.deps.PlexRefresh(ctx)
			},
		},
		{
			Name: "rebuild_xmltv", Risk: RiskLow, Cooldown: 30 * time.Second,
			RetryCap: 2, Idempotent: true,
			run: func(ctx context.Context, a *Agent, _ int64) (string, error) {
				if a.deps.RebuildEPG == nil {
					return "", fmt.Errorf("agent: no epg generator attached")
				}
				return "rebuilt", a.deps.RebuildEPG(ctx)
			},
		},
		{
			Name: "reparse_filename_metadata", Risk: RiskLow, Cooldown: 30 * time.Second,
			RetryCap: 2, Idempotent: true, MetadataTool: true,
			run: func(ctx context.Context, a *Agent, _ int64) (string, error) {
				if a.deps.ReparseFilenames == nil {
					return "", fmt.Errorf("agent: no reparse hook attached")
				}
				n, err := a.deps.ReparseFilenames(ctx)
				return fmt.Sprintf("reparsed=%d", n), err
			},
		},
		{
			Name: "rebuild_playout", Risk: RiskMedium, Cooldown: 120 * time.Second,
			RetryCap: 1, Idempotent: false,
			run: func(_ context.Context, a *Agent, channelID int64) (string, error) {
				if a.deps.InvalidatePlayout == nil {
					return "", fmt.Errorf("agent: no playout engine attached")
				}
				a.deps.InvalidatePlayout(channelID)
				return "invalidated", nil
			},
		},
		{
			Name: "restart_channel", Risk: RiskHigh, Cooldown: 30 * time.Second,
			RetryCap: 1, Idempotent: false,
			run: func(_ context.Context, a *Agent, channelID int64) (string, error) {
				if a.deps.RestartChannel == nil {
					return "", fmt.Errorf("agent: no restart gate attached")
				}
				allowed, reason := a.deps.RestartChannel(channelID)
				if !allowed {
					return "", fmt.Errorf("agent: restart blocked: %s", reason)
				}
				return "restarted", nil
			},
		},
	}
}

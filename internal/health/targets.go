package health

import (
	"github.com/airwave-tv/airwave/internal/broadcast"
)

type broadcasterTarget struct{ *broadcast.Broadcaster }

func (t broadcasterTarget) ChannelID() int64 { return t.Channel().ID }
func (t broadcasterTarget) IsRunning() bool  { return t.State().IsRunning }

// Targets adapts a broadcast manager into the supervisor's target snapshot.
func Targets(m *broadcast.Manager) func() []Target {
	return func() []Target {
		bs := m.All()
		out := make([]Target, 0, len(bs))
		for _, b := range bs {
			out = append(out, broadcasterTarget{b})
		}
		return out
	}
}

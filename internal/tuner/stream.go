package tuner

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/metrics"
)

// keepaliveInterval paces the PAT/PMT packets sent while the pipeline cold
// starts. The program structure lets the client's demuxer come up before
// the first real frame, so it does not give up on a slow channel.
const keepaliveInterval = 500 * time.Millisecond

// handleTune is the HDHomeRun tune route: /tune/tuner0?channel=auto:v3.
// The tuner index is cosmetic; every stream goes to the shared pool.
func (s *Server) handleTune(w http.ResponseWriter, r *http.Request) {
	number := channelParam(r.URL.Query().Get("channel"))
	if number == "" {
		http.NotFound(w, r)
		return
	}
	s.log.Debug().Str("tuner", chi.URLParam(r, "tuner")).Str("channel", number).Msg("tune request")
	s.serveStream(w, r, number)
}

// handleAuto is the short form: /auto/v3 (or /auto/3).
func (s *Server) handleAuto(w http.ResponseWriter, r *http.Request) {
	number := channelParam(chi.URLParam(r, "channel"))
	if number == "" {
		http.NotFound(w, r)
		return
	}
	s.serveStream(w, r, number)
}

// handleIPTVChannel serves /iptv/channel/{number}.ts for plain IPTV players.
func (s *Server) handleIPTVChannel(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSuffix(chi.URLParam(r, "channel"), ".ts")
	number := clock.NormalizeChannelNumber(raw)
	if number == "" {
		http.NotFound(w, r)
		return
	}
	s.serveStream(w, r, number)
}

// channelParam strips the auto:v / v prefix and surrounding whitespace.
// Channel numbers stay strings: "4.1" is a legal number and must never be
// integer-parsed.
func channelParam(raw string) string {
	v := clock.NormalizeChannelNumber(raw)
	v = strings.TrimPrefix(v, "auto:")
	v = strings.TrimPrefix(v, "v")
	return clock.NormalizeChannelNumber(v)
}

// serveStream attaches the client to the channel's broadcaster and copies
// chunks until either side goes away. Before the first chunk arrives it
// emits PAT/PMT keepalive packets so the connection never looks dead
// during a transcoder cold start.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, number string) {
	ch, ok := s.channelByNumber(w, r, number)
	if !ok {
		return
	}

	b := s.manager.Broadcaster(ch)
	b.Start()
	client := b.AttachClient()
	defer client.Close()

	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	log := s.log.With().Str("channel", number).Str("session", client.SessionID).Logger()
	log.Info().Str("remote", r.RemoteAddr).Msg("stream attached")
	metrics.ActiveSessions.Inc()
	defer metrics.ActiveSessions.Dec()

	start := s.clk.Now()
	var sent int64
	defer func() {
		log.Info().Int64("bytes", sent).Dur("elapsed", s.clk.Since(start)).Msg("stream detached")
	}()

	keepalive := newPSIKeepalive()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	warmedUp := false

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if warmedUp {
				continue
			}
			n, err := keepalive.WriteTo(w)
			if err != nil {
				return
			}
			sent += n
			if flusher != nil {
				flusher.Flush()
			}
		case chunk, chanOpen := <-client.Chunks():
			if !chanOpen {
				return
			}
			if !warmedUp {
				warmedUp = true
				ticker.Stop()
				log.Debug().Dur("cold_start", s.clk.Since(start)).Msg("first chunk")
			}
			n, err := w.Write(chunk)
			sent += int64(n)
			if err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

// handlePlaylist emits the IPTV M3U playlist for enabled channels.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	channels, err := s.st.ListChannels(r.Context(), true)
	if err != nil {
		http.Error(w, "playlist unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "audio/x-mpegurl")
	writeM3U(w, s.baseURL(r), channels)
}

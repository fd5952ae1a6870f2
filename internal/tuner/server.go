// Package tuner is the HTTP face of the broadcaster: HDHomeRun-compatible
// discovery and lineup endpoints, the MPEG-TS streaming routes, the IPTV
// playlist, and the XMLTV guide. To a media server on the LAN the service
// looks like a networked tuner appliance.
package tuner

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/airwave-tv/airwave/internal/broadcast"
	"github.com/airwave-tv/airwave/internal/clock"
	"github.com/airwave-tv/airwave/internal/config"
	"github.com/airwave-tv/airwave/internal/epg"
	"github.com/airwave-tv/airwave/internal/library"
	"github.com/airwave-tv/airwave/internal/store"
)

const (
	modelNumber     = "HDTC-2US"
	firmwareName    = "hdhomeruntc_atsc"
	firmwareVersion = "20250101"
)

// DeviceAuth is the static auth token in discovery documents; clients echo
// it but nothing validates it.
const DeviceAuth = "airwave"

type Server struct {
	cfg      config.ServerConfig
	st       *store.Store
	manager  *broadcast.Manager
	guide    *epg.Generator
	clk      clock.Clock
	log      zerolog.Logger
	deviceID string
}

func NewServer(cfg config.ServerConfig, st *store.Store, manager *broadcast.Manager,
	guide *epg.Generator, clk clock.Clock, logger zerolog.Logger) *Server {
	id, valid := clock.NormalizeDeviceID(cfg.DeviceID)
	log := logger.With().Str("component", "tuner").Logger()
	if cfg.DeviceID != "" && !valid {
		log.Warn().Str("configured", cfg.DeviceID).Str("normalized", id).
			Msg("device id is not 8 hex chars, using deterministic fallback")
	}
	return &Server{
		cfg:      cfg,
		st:       st,
		manager:  manager,
		guide:    guide,
		clk:      clk,
		log:      log,
		deviceID: id,
	}
}

func (s *Server) DeviceID() string { return s.deviceID }

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/discover.json", s.handleDiscover)
	r.Get("/discover", s.handleDiscover)
	r.Get("/lineup.json", s.handleLineup)
	r.Get("/lineup", s.handleLineup)
	r.Get("/lineup_status.json", s.handleLineupStatus)
	r.Get("/device.xml", s.handleDeviceXML)

	r.Get("/tune/{tuner}", s.handleTune)
	r.Get("/auto/{channel}", s.handleAuto)
	r.Get("/iptv/channel/{channel}", s.handleIPTVChannel)
	r.Get("/iptv/playlist.m3u", s.handlePlaylist)

	r.Get("/epg.xml", s.handleEPG)
	r.Get("/healthz", s.handleHealthz)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.clk.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", ww.Status()).Dur("elapsed", s.clk.Since(start)).
			Str("remote", r.RemoteAddr).Msg("request")
	})
}

func (s *Server) baseURL(r *http.Request) string {
	return library.DeriveBaseURL(s.cfg.BaseURL, r)
}

func (s *Server) tunerCount() int {
	if s.cfg.TunerCount > 0 {
		return s.cfg.TunerCount
	}
	return 4
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	base := s.baseURL(r)
	writeJSON(w, map[string]any{
		"FriendlyName":    s.cfg.FriendlyName,
		"ModelNumber":     modelNumber,
		"FirmwareName":    firmwareName,
		"FirmwareVersion": firmwareVersion,
		"DeviceID":        s.deviceID,
		"DeviceAuth":      DeviceAuth,
		"BaseURL":         base,
		"LineupURL":       base + "/lineup.json",
		"GuideURL":        base + "/epg.xml",
		"TunerCount":      s.tunerCount(),
	})
}

func (s *Server) handleLineupStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

type lineupEntry struct {
	GuideNumber string
	GuideName   string
	URL         string
}

func (s *Server) handleLineup(w http.ResponseWriter, r *http.Request) {
	entries, err := s.lineup(r)
	if err != nil {
		s.log.Error().Err(err).Msg("lineup query failed")
		http.Error(w, "lineup unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, entries)
}

// lineup lists enabled channels in tuner order. Duplicate guide numbers are
// dropped after the first occurrence so the advertised lineup stays legal
// even when the database is not.
func (s *Server) lineup(r *http.Request) ([]lineupEntry, error) {
	channels, err := s.st.ListChannels(r.Context(), true)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(channels, func(i, j int) bool {
		return clock.CompareChannelNumbers(channels[i].Number, channels[j].Number) < 0
	})

	base := s.baseURL(r)
	seen := make(map[string]bool, len(channels))
	entries := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		if ch.Number == "" || seen[ch.Number] {
			s.log.Warn().Int64("channel_id", ch.ID).Str("number", ch.Number).
				Msg("skipping channel with empty or duplicate guide number")
			continue
		}
		seen[ch.Number] = true
		entries = append(entries, lineupEntry{
			GuideNumber: ch.Number,
			GuideName:   ch.Name,
			URL:         base + "/auto/v" + ch.Number,
		})
	}
	return entries, nil
}

const deviceXMLTemplate = `<?xml version="1.0" encoding="utf-8"?>
<root xmlns="urn:schemas-upnp-org:device-1-0">
  <specVersion><major>1</major><minor>0</minor></specVersion>
  <URLBase>%s</URLBase>
  <device>
    <deviceType>urn:schemas-upnp-org:device:MediaServer:1</deviceType>
    <friendlyName>%s</friendlyName>
    <manufacturer>Silicondust</manufacturer>
    <modelName>%s</modelName>
    <modelNumber>%s</modelNumber>
    <serialNumber>%s</serialNumber>
    <UDN>uuid:%s</UDN>
  </device>
</root>
`

func (s *Server) handleDeviceXML(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/xml")
	fmt.Fprintf(w, deviceXMLTemplate, s.baseURL(r), s.cfg.FriendlyName,
		modelNumber, modelNumber, s.deviceID, s.deviceID)
}

func (s *Server) handleEPG(w http.ResponseWriter, r *http.Request) {
	data, generatedAt := s.guide.Cached()
	if len(data) == 0 {
		// Cold cache: generate synchronously once rather than 404 the
		// media server's first guide pull.
		fresh, err := s.guide.Generate(r.Context())
		if err != nil {
			s.log.Error().Err(err).Msg("on-demand epg generation failed")
			http.Error(w, "guide unavailable", http.StatusServiceUnavailable)
			return
		}
		data, generatedAt = fresh, s.clk.Now()
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Last-Modified", generatedAt.UTC().Format(http.TimeFormat))
	if acceptsBrotli(r) {
		if br := s.guide.CachedBrotli(); len(br) > 0 {
			w.Header().Set("Content-Encoding", "br")
			w.Write(br)
			return
		}
	}
	w.Write(data)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		http.Error(w, "degraded: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}

// channelByNumber resolves a guide number to its channel row and maps the
// failure modes onto tuner HTTP semantics: unknown is 404, disabled is 403.
func (s *Server) channelByNumber(w http.ResponseWriter, r *http.Request, number string) (store.Channel, bool) {
	ch, err := s.st.GetChannelByNumber(r.Context(), number)
	if errors.Is(err, store.ErrNotFound) {
		http.NotFound(w, r)
		return store.Channel{}, false
	}
	if err != nil {
		http.Error(w, "channel lookup failed", http.StatusInternalServerError)
		return store.Channel{}, false
	}
	if !ch.Enabled {
		http.Error(w, "channel disabled", http.StatusForbidden)
		return store.Channel{}, false
	}
	return ch, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// acceptsBrotli checks Accept-Encoding for the br token, ignoring quality
// parameters.
func acceptsBrotli(r *http.Request) bool {
	for _, enc := range r.Header.Values("Accept-Encoding") {
		for _, part := range strings.Split(enc, ",") {
			if tok, _, _ := strings.Cut(part, ";"); strings.TrimSpace(tok) == "br" {
				return true
			}
		}
	}
	return false
}

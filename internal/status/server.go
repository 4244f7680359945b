// Package status implements the low-priority status process: a read-only
// HTTP view over the shared arena, as JSON snapshots and Prometheus metrics.
//
// Snapshots are rebuilt from the shared tables on every request. Fields wider
// than a machine word may be observed torn; every consumer refreshes on each
// poll, so a torn informational value only lasts one poll.
package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gpstimed/internal/nmea"
	"gpstimed/internal/store"
)

type Server struct {
	tables *store.Tables
	log    zerolog.Logger
	start  time.Time
}

func NewServer(tables *store.Tables, log zerolog.Logger) *Server {
	return &Server{
		tables: tables,
		log:    log.With().Str("component", "status").Logger(),
		start:  time.Now(),
	}
}

// Handler routes the status surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/status/gps", s.handleGps)
	mux.HandleFunc("/status/clock", s.handleClock)
	mux.HandleFunc("/status/ntp", s.handleNtp)

	registry := prometheus.NewRegistry()
	registry.MustRegister(newCollector(s.tables))
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("status write failed")
	}
}

type GpsSnapshot struct {
	Fix        bool     `json:"fix"`
	FixTimeUTC string   `json:"fix_time_utc,omitempty"`
	Device     string   `json:"device,omitempty"`
	Date       string   `json:"date,omitempty"`
	Time       string   `json:"time,omitempty"`
	Latitude   string   `json:"latitude,omitempty"`
	Longitude  string   `json:"longitude,omitempty"`
	Text       []string `json:"text,omitempty"`

	Sentences []SentenceSnapshot `json:"sentences,omitempty"`
}

type SentenceSnapshot struct {
	Sentence string `json:"sentence"`
	NewFix   bool   `json:"new_fix,omitempty"`
	NewBurst bool   `json:"new_burst,omitempty"`
	Timing   string `json:"timing,omitempty"`
}

type ClockSnapshot struct {
	Synchronized bool   `json:"synchronized"`
	PrecisionMs  int    `json:"precision_ms"`
	DriftMs      int    `json:"drift_ms"`
	AvgDriftMs   int    `json:"avg_drift_ms"`
	SamplingSec  int    `json:"sampling_sec"`
	ReferenceUTC string `json:"reference_utc,omitempty"`

	// Per-sampling-interval aggregates over the recent metrics window.
	Offsets []int64 `json:"offsets,omitempty"`
	Adjusts []int64 `json:"adjusts,omitempty"`
}

type PeerSnapshot struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Stratum   int    `json:"stratum"`
	LocalUTC  string `json:"local_utc,omitempty"`
	OriginUTC string `json:"origin_utc,omitempty"`
	Elected   bool   `json:"elected,omitempty"`
}

type ClientSnapshot struct {
	Address  string `json:"address"`
	LocalUTC string `json:"local_utc,omitempty"`
}

type TrafficSnapshot struct {
	Timestamp int64 `json:"timestamp"`
	Received  int   `json:"received"`
	Client    int   `json:"client"`
	Broadcast int   `json:"broadcast"`
}

type NtpSnapshot struct {
	Mode    string            `json:"mode"`
	Stratum int               `json:"stratum"`
	Source  int               `json:"source"`
	Pool    []PeerSnapshot    `json:"pool,omitempty"`
	Clients []ClientSnapshot  `json:"clients,omitempty"`
	Live    TrafficSnapshot   `json:"live"`
	Traffic []TrafficSnapshot `json:"traffic,omitempty"`
}

type Snapshot struct {
	Service   string        `json:"service"`
	NowUTC    string        `json:"now_utc"`
	UptimeSec int64         `json:"uptime_sec"`
	Gps       GpsSnapshot   `json:"gps"`
	Clock     ClockSnapshot `json:"clock"`
	Ntp       NtpSnapshot   `json:"ntp"`
}

func stamp(tv store.Timeval) string {
	if tv.IsZero() {
		return ""
	}
	return tv.Time().Format(time.RFC3339Nano)
}

func (s *Server) gpsSnapshot() GpsSnapshot {
	g := s.tables.Gps.At(0)
	out := GpsSnapshot{
		Fix:    g.Fix != 0,
		Device: store.CString(g.Device[:]),
		Date:   store.CString(g.Date[:]),
		Time:   store.CString(g.Time[:]),
	}
	if g.FixTime != 0 {
		out.FixTimeUTC = time.Unix(g.FixTime, 0).UTC().Format(time.RFC3339)
	}
	out.Latitude = nmea.ConvertCoordinate(store.CString(g.Latitude[:]), g.Hemisphere[0])
	out.Longitude = nmea.ConvertCoordinate(store.CString(g.Longitude[:]), g.Hemisphere[1])
	for i := int32(0); i < g.TextCount && i < store.TextLines; i++ {
		out.Text = append(out.Text, store.CString(g.Text[i].Line[:]))
	}
	for i := 0; i < store.SentenceDepth; i++ {
		h := &g.History[i]
		raw := store.CString(h.Raw[:])
		if raw == "" {
			continue
		}
		out.Sentences = append(out.Sentences, SentenceSnapshot{
			Sentence: raw,
			NewFix:   h.Flags&store.FlagNewFix != 0,
			NewBurst: h.Flags&store.FlagNewBurst != 0,
			Timing:   stamp(h.Timing),
		})
	}
	return out
}

func (s *Server) clockSnapshot(nowSec int64, window int64) ClockSnapshot {
	c := s.tables.Clock.At(0)
	out := ClockSnapshot{
		Synchronized: c.Synchronized != 0,
		PrecisionMs:  int(c.Precision),
		DriftMs:      int(c.Drift),
		AvgDriftMs:   int(c.AvgDrift),
		SamplingSec:  int(c.Sampling),
		ReferenceUTC: stamp(c.Reference),
	}
	if window > 0 {
		out.Offsets, out.Adjusts = s.aggregateMetrics(nowSec-window, nowSec)
	}
	return out
}

// aggregateMetrics sums |drift| and adjust counts over the metrics ring,
// one bucket per sampling interval. The sampling rate varies with the time
// source, so observers cannot assume one datapoint per second.
func (s *Server) aggregateMetrics(from, to int64) (offsets, adjusts []int64) {
	sampling := int64(s.tables.Clock.At(0).Sampling)
	if sampling <= 0 {
		return nil, nil
	}
	depth := int64(s.tables.Metrics.Len())
	if to-from > depth {
		from = to - depth
	}

	var offset, adjust int64
	for cursor := from; cursor < to; cursor++ {
		m := s.tables.Metrics.At(int(((cursor % depth) + depth) % depth))
		d := int64(m.Drift)
		if d < 0 {
			d = -d
		}
		offset += d
		adjust += int64(m.Adjust)
		if (cursor+1)%sampling == 0 {
			offsets = append(offsets, offset)
			adjusts = append(adjusts, adjust)
			offset, adjust = 0, 0
		}
	}
	if to%sampling != 0 {
		offsets = append(offsets, offset)
		adjusts = append(adjusts, adjust)
	}
	return offsets, adjusts
}

func trafficSnapshot(tr store.NtpTraffic) TrafficSnapshot {
	return TrafficSnapshot{
		Timestamp: tr.Timestamp,
		Received:  int(tr.Received),
		Client:    int(tr.Client),
		Broadcast: int(tr.Broadcast),
	}
}

func (s *Server) ntpSnapshot() NtpSnapshot {
	n := s.tables.Ntp.At(0)
	out := NtpSnapshot{
		Mode:    string(rune(n.Mode)),
		Stratum: int(n.Stratum),
		Source:  int(n.Source),
		Live:    trafficSnapshot(n.Live),
	}
	for i := 0; i < store.NtpPoolSize; i++ {
		p := &n.Pool[i]
		if p.Local.Sec == 0 {
			continue
		}
		out.Pool = append(out.Pool, PeerSnapshot{
			Address:   fmt.Sprintf("%d.%d.%d.%d:%d", p.Address.IP[0], p.Address.IP[1], p.Address.IP[2], p.Address.IP[3], p.Address.Port),
			Name:      store.CString(p.Name[:]),
			Stratum:   int(p.Stratum),
			LocalUTC:  stamp(p.Local),
			OriginUTC: stamp(p.Origin),
			Elected:   n.Source == int32(i),
		})
	}
	for i := 0; i < store.NtpDepth; i++ {
		c := &n.Clients[i]
		if c.Local.Sec == 0 {
			continue
		}
		out.Clients = append(out.Clients, ClientSnapshot{
			Address:  fmt.Sprintf("%d.%d.%d.%d:%d", c.Address.IP[0], c.Address.IP[1], c.Address.IP[2], c.Address.IP[3], c.Address.Port),
			LocalUTC: stamp(c.Local),
		})
	}
	for i := 0; i < store.NtpDepth; i++ {
		h := n.History[i]
		if h.Timestamp == 0 {
			continue
		}
		out.Traffic = append(out.Traffic, trafficSnapshot(h))
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	s.writeJSON(w, Snapshot{
		Service:   "gpstimed",
		NowUTC:    now.Format(time.RFC3339Nano),
		UptimeSec: int64(time.Since(s.start).Seconds()),
		Gps:       s.gpsSnapshot(),
		Clock:     s.clockSnapshot(now.Unix(), 0),
		Ntp:       s.ntpSnapshot(),
	})
}

func (s *Server) handleGps(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.gpsSnapshot())
}

func (s *Server) handleClock(w http.ResponseWriter, r *http.Request) {
	// The detail view includes the aggregated five-minute drift history.
	s.writeJSON(w, s.clockSnapshot(time.Now().Unix(), 300))
}

func (s *Server) handleNtp(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.ntpSnapshot())
}

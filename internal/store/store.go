// Package store defines the record schemas published in the shared arena.
//
// Every type here is a fixed-size POD: both processes run the same binary, so
// the Go struct layout is the shared wire format. Strings live in NUL-padded
// byte arrays. The time process is the only writer; the status process reads
// the same records through read-only views.
package store

import (
	"time"

	"gpstimed/internal/shm"
)

// Table names. The name is the lookup key in the arena, so it must stay
// stable across both processes.
const (
	GpsStatusTable    = "GpsStatus"
	ClockStatusTable  = "ClockStatus"
	ClockMetricsTable = "ClockMetrics"
	NtpStatusTable    = "NtpStatus"
)

const (
	// SentenceDepth is the ring of most-recent NMEA sentences.
	SentenceDepth = 32
	// TextLines is how many GPS informational text lines are kept.
	TextLines = 16
	// MaxSentence bounds one NMEA sentence (80 chars plus NUL).
	MaxSentence = 81

	// ClockMetricsDepth holds six minutes of per-second metrics, leaving
	// time to collect the previous five minutes of statistics.
	ClockMetricsDepth = 360

	// NtpPoolSize is the broadcast peer pool.
	NtpPoolSize = 4
	// NtpDepth sizes both the client ring and the traffic history.
	NtpDepth = 128
)

// Sentence decode flags.
const (
	FlagNewFix   = 1
	FlagNewBurst = 2
)

// Timeval is a wall-clock instant with microsecond resolution. The split
// representation matches what the clock syscalls traffic in and keeps all
// arithmetic in 64-bit integers.
type Timeval struct {
	Sec  int64
	Usec int64
}

// At converts a time.Time.
func At(t time.Time) Timeval {
	return Timeval{Sec: t.Unix(), Usec: int64(t.Nanosecond() / 1000)}
}

// Time converts back to a time.Time in UTC.
func (tv Timeval) Time() time.Time {
	return time.Unix(tv.Sec, tv.Usec*1000).UTC()
}

// IsZero reports an unset instant.
func (tv Timeval) IsZero() bool { return tv.Sec == 0 && tv.Usec == 0 }

// SubMs returns tv - other in whole milliseconds, computed the way the
// discipline code needs it: seconds scaled, microseconds truncated.
func (tv Timeval) SubMs(other Timeval) int64 {
	return (tv.Sec-other.Sec)*1000 + (tv.Usec-other.Usec)/1000
}

// AddUsec returns tv advanced (or rewound, for negative d) by d microseconds,
// normalized so that 0 <= Usec < 1000000.
func (tv Timeval) AddUsec(d int64) Timeval {
	tv.Usec += d
	for tv.Usec < 0 {
		tv.Usec += 1000000
		tv.Sec--
	}
	for tv.Usec >= 1000000 {
		tv.Usec -= 1000000
		tv.Sec++
	}
	return tv
}

// GpsSentence is one decoded NMEA line with its estimated '$' arrival time.
type GpsSentence struct {
	Raw    [MaxSentence]byte
	Flags  int32
	Timing Timeval
}

// GpsText is one informational line reported by the receiver.
type GpsText struct {
	Line [MaxSentence]byte
}

// GpsStatus is the live GPS state.
//
// Fix is set by a valid fix sentence and cleared by an invalid one or by a
// reset; the watchdog resets once the feed is more than 5 seconds stale.
// Date and Time are cleared at each burst start without clearing Fix, and
// GGA and GLL fixes store only Time, so a nonzero Fix does not guarantee a
// non-empty Date or Time.
type GpsStatus struct {
	Fix        int32
	FixTime    int64
	Device     [64]byte
	Time       [20]byte
	Date       [20]byte
	Latitude   [20]byte
	Longitude  [20]byte
	Hemisphere [2]byte
	Timestamp  Timeval
	Text       [TextLines]GpsText
	TextCount  int32
	History    [SentenceDepth]GpsSentence
	Cursor     int32
}

// ClockStatus is the live clock-discipline state.
//
// Invariant: Synchronized implies |AvgDrift| was below Precision at the most
// recent evaluation; Synchronized is cleared when |AvgDrift| exceeds
// 50×Precision.
type ClockStatus struct {
	Cycle        Timeval
	Reference    Timeval
	Drift        int32
	AvgDrift     int32
	Precision    int32
	Synchronized int32
	Count        int32
	Accumulator  int64
	Sampling     int32
}

// ClockMetric is one second of discipline metrics, keyed by now mod 360.
type ClockMetric struct {
	Drift  int32
	Adjust int32
}

// NetAddr is an IPv4 endpoint in a shareable layout.
type NetAddr struct {
	IP   [4]byte
	Port uint16
}

// NtpPeer is one known broadcasting server. An empty slot has Local.Sec == 0.
type NtpPeer struct {
	Origin  Timeval // peer transmit time decoded from its last broadcast
	Local   Timeval // local receive instant of that broadcast
	Stratum int16
	Address NetAddr
	Name    [48]byte
	Logged  int32
}

// NtpClient is one entry of the rolling client log.
type NtpClient struct {
	Address NetAddr
	Origin  Timeval // client transmit timestamp, decoded
	Local   Timeval // local receive instant
	Logged  int32
}

// NtpTraffic is one 10-second accounting bucket.
type NtpTraffic struct {
	Received  int32
	Client    int32
	Broadcast int32
	Timestamp int64 // bucket start, multiple of 10
}

// NtpStatus is the live NTP engine state.
type NtpStatus struct {
	Mode    int8 // 'S' server, 'C' client, 'I' idle
	Source  int32
	Stratum int32
	Pool    [NtpPoolSize]NtpPeer

	Live    NtpTraffic
	Latest  NtpTraffic
	History [NtpDepth]NtpTraffic

	Clients      [NtpDepth]NtpClient
	ClientCursor int32
}

// Tables bundles the typed views every component publishes through.
type Tables struct {
	Gps     *shm.Table[GpsStatus]
	Clock   *shm.Table[ClockStatus]
	Metrics *shm.Table[ClockMetric]
	Ntp     *shm.Table[NtpStatus]
}

// Create allocates all tables in a fresh arena. Called once by the time
// process before the status child exists.
func Create(a *shm.Arena) (*Tables, error) {
	gps, err := shm.Define[GpsStatus](a, GpsStatusTable, 1)
	if err != nil {
		return nil, err
	}
	clk, err := shm.Define[ClockStatus](a, ClockStatusTable, 1)
	if err != nil {
		return nil, err
	}
	metrics, err := shm.Define[ClockMetric](a, ClockMetricsTable, ClockMetricsDepth)
	if err != nil {
		return nil, err
	}
	ntp, err := shm.Define[NtpStatus](a, NtpStatusTable, 1)
	if err != nil {
		return nil, err
	}
	return &Tables{Gps: gps, Clock: clk, Metrics: metrics, Ntp: ntp}, nil
}

// Attach opens read views over an arena created by another process.
func Attach(a *shm.Arena) (*Tables, error) {
	gps, err := shm.View[GpsStatus](a, GpsStatusTable)
	if err != nil {
		return nil, err
	}
	clk, err := shm.View[ClockStatus](a, ClockStatusTable)
	if err != nil {
		return nil, err
	}
	metrics, err := shm.View[ClockMetric](a, ClockMetricsTable)
	if err != nil {
		return nil, err
	}
	ntp, err := shm.View[NtpStatus](a, NtpStatusTable)
	if err != nil {
		return nil, err
	}
	return &Tables{Gps: gps, Clock: clk, Metrics: metrics, Ntp: ntp}, nil
}

// SetString copies s into a NUL-padded byte array, truncating if needed.
func SetString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// CString reads a NUL-padded byte array back as a string.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

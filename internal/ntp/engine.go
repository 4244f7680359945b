package ntp

import (
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gpstimed/internal/store"
)

const (
	// DefaultPeriodSec is how often the server advertises itself.
	DefaultPeriodSec = 300
	// MinPeriodSec is the floor on the advertisement period.
	MinPeriodSec = 10

	// calibrationIntervalSec spaces requests to the reference server.
	calibrationIntervalSec = 10

	// staleFactor times the period is the peer-pool eviction age.
	staleFactor = 3

	// defaultPoll is the poll interval advertised in packets (2^10 s,
	// the default recommended in rfc 5905).
	defaultPoll = 10
	// defaultPrecision advertises about a millisecond (2^-10 s).
	defaultPrecision = -10
)

var refidGPS = [4]byte{'G', 'P', 'S', 0}

// ClockSource is the discipline surface the engine consumes: it reads the
// reference and dispersion for outgoing packets, and feeds elected-peer
// broadcasts back in as a latency-free time source.
type ClockSource interface {
	Synchronized() bool
	Reference() store.Timeval
	Dispersion() int64
	Synchronize(source, local store.Timeval, latencyMs int64)
}

// Transport sends packets: unicast through the bound server socket, and
// link-local broadcast through the per-interface sockets.
type Transport interface {
	Send(b []byte, to store.NetAddr) error
	Broadcast(b []byte) error
}

type Config struct {
	// PeriodSec is the broadcast advertisement period (>= MinPeriodSec).
	PeriodSec int64
	// BroadcastAlways advertises even without an active GPS.
	BroadcastAlways bool
	// Reference is an optional server name used to measure our own offset.
	Reference string
	// TestMode prints calibration offsets.
	TestMode bool
}

// Engine is the SNTP protocol state machine. Single-owner, driven by the
// supervisor loop.
type Engine struct {
	cfg   Config
	log   zerolog.Logger
	noise *rate.Limiter

	status     *store.NtpStatus
	clock      ClockSource
	nmeaActive func(nowSec int64) bool
	transport  Transport
	now        func() store.Timeval

	latestPeriod      int64
	latestBroadcast   int64
	latestCalibration int64
	reference         *store.NetAddr
}

func New(cfg Config, tables *store.Tables, clk ClockSource, nmeaActive func(int64) bool,
	transport Transport, now func() store.Timeval, log zerolog.Logger) *Engine {

	if cfg.PeriodSec < MinPeriodSec {
		cfg.PeriodSec = MinPeriodSec
	}
	e := &Engine{
		cfg:        cfg,
		log:        log.With().Str("component", "ntp").Logger(),
		noise:      rate.NewLimiter(rate.Every(time.Second), 10),
		status:     tables.Ntp.At(0),
		clock:      clk,
		nmeaActive: nmeaActive,
		transport:  transport,
		now:        now,
	}

	st := e.status
	*st = store.NtpStatus{}
	st.Mode = 'I'
	st.Source = -1

	if cfg.Reference != "" {
		addr, err := resolveReference(cfg.Reference)
		if err != nil {
			// One-shot by design: a misconfigured reference only costs
			// the calibration output.
			e.log.Error().Err(err).Str("server", cfg.Reference).
				Msg("cannot resolve reference server, calibration disabled")
		} else {
			e.reference = addr
			e.log.Info().Str("server", cfg.Reference).
				Str("address", addrString(*addr)).Msg("calibration reference")
		}
	}
	return e
}

func resolveReference(name string) (*store.NetAddr, error) {
	addr, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(name, "123"))
	if err != nil {
		return nil, err
	}
	ip := addr.IP.To4()
	if ip == nil {
		return nil, fmt.Errorf("no IPv4 address for %s", name)
	}
	out := &store.NetAddr{Port: uint16(addr.Port)}
	copy(out.IP[:], ip)
	return out, nil
}

func ipString(ip [4]byte) string {
	return fmt.Sprintf("%d.%d.%d.%d", ip[0], ip[1], ip[2], ip[3])
}

func addrString(a store.NetAddr) string {
	return fmt.Sprintf("%s:%d", ipString(a.IP), a.Port)
}

func usecDiff(a, b store.Timeval) int64 {
	return (a.Sec-b.Sec)*1000000 + (a.Usec - b.Usec)
}

// Process handles one received datagram. The received instant is the
// post-wake wall time of the event loop, the closest estimate of kernel
// arrival available to us.
func (e *Engine) Process(buf []byte, source store.NetAddr, received store.Timeval) {
	st := e.status
	st.Live.Received++
	e.updateState(received.Sec)

	p, err := Decode(buf)
	if err != nil {
		if e.noise.Allow() {
			e.log.Debug().Str("from", addrString(source)).Int("length", len(buf)).
				Msg("dropping invalid packet")
		}
		return
	}

	switch p.Mode() {
	case ModeControl:
		// Control queries are not supported.
	case ModeBroadcast:
		// Our own GPS outranks any network peer.
		if !e.nmeaActive(received.Sec) {
			e.handleBroadcast(&p, source, received)
		}
	case ModeServer:
		e.handleServerReply(&p, received)
	case ModeClient:
		if e.clock.Synchronized() && st.Stratum > 0 {
			e.handleRequest(&p, source, received)
		} else if e.noise.Allow() {
			e.log.Debug().Str("from", addrString(source)).
				Msg("ignoring request: not synchronized")
		}
	default:
		if e.noise.Allow() {
			e.log.Debug().Str("from", addrString(source)).
				Int("version", p.Version()).Int("mode", p.Mode()).
				Msg("ignoring packet")
		}
	}
}

// refid identifies our time source: the ASCII tag "GPS" at stratum 1, the
// elected upstream server's address otherwise.
func (e *Engine) refid() [4]byte {
	st := e.status
	if st.Stratum == 1 {
		return refidGPS
	}
	if st.Source >= 0 {
		return st.Pool[st.Source].Address.IP
	}
	return [4]byte{}
}

// handleRequest answers a mode-3 client with the local clock.
func (e *Engine) handleRequest(p *Packet, source store.NetAddr, received store.Timeval) {
	st := e.status
	st.Live.Client++

	reply := Packet{
		LiVnMode:       0x24, // li=0, vn=4, mode=4
		Stratum:        uint8(st.Stratum),
		Poll:           defaultPoll,
		Precision:      defaultPrecision,
		RootDispersion: dispersionToShort(e.clock.Dispersion()),
		Refid:          e.refid(),
		Reference:      toTimestamp(e.clock.Reference()),
		Origin:         p.Transmit, // copied verbatim
		Receive:        toTimestamp(received),
		Transmit:       toTimestamp(e.now()),
	}
	if err := e.transport.Send(reply.Encode(), source); err != nil {
		e.log.Debug().Err(err).Str("to", addrString(source)).Msg("reply failed")
	}

	c := &st.Clients[st.ClientCursor]
	c.Address = source
	c.Origin = toTimeval(p.Transmit)
	c.Local = received
	c.Logged = 0
	st.ClientCursor = (st.ClientCursor + 1) % store.NtpDepth
}

// reclaim evicts pool entries that went silent for more than three
// advertisement periods. When the elected source is among them the election
// is re-run over whatever remains.
func (e *Engine) reclaim(nowSec int64) {
	st := e.status
	death := nowSec - staleFactor*e.cfg.PeriodSec
	for i := range st.Pool {
		slot := &st.Pool[i]
		if slot.Local.Sec == 0 || slot.Local.Sec >= death {
			continue
		}
		e.log.Debug().Str("server", store.CString(slot.Name[:])).Msg("time server went silent")
		*slot = store.NtpPeer{}
		if st.Source == int32(i) {
			st.Source = -1
		}
	}
	if st.Source < 0 {
		st.Source = int32(e.electLowest())
	}
}

// electLowest picks the live slot with the lowest stratum, -1 if none.
func (e *Engine) electLowest() int {
	st := e.status
	best := -1
	for i := range st.Pool {
		slot := &st.Pool[i]
		if slot.Local.Sec == 0 {
			continue
		}
		if best < 0 || slot.Stratum < st.Pool[best].Stratum {
			best = i
		}
	}
	return best
}

// handleBroadcast upserts the sending server into the pool, maintains the
// election, and slaves the clock to the elected source.
func (e *Engine) handleBroadcast(p *Packet, source store.NetAddr, received store.Timeval) {
	st := e.status
	st.Live.Broadcast++

	if p.Stratum < 1 {
		return
	}

	e.log.Debug().Str("from", addrString(source)).
		Uint8("stratum", p.Stratum).
		Int64("dispersion_ms", shortToDispersion(p.RootDispersion)).
		Msg("received broadcast")

	e.reclaim(received.Sec)

	found, empty, worst := -1, -1, -1
	for i := range st.Pool {
		slot := &st.Pool[i]
		if slot.Local.Sec == 0 {
			if empty < 0 {
				empty = i
			}
			continue
		}
		if slot.Address == source {
			found = i
			continue
		}
		if slot.Stratum > int16(p.Stratum) &&
			(worst < 0 || slot.Stratum > st.Pool[worst].Stratum) {
			worst = i
		}
	}
	i := found
	if i < 0 {
		switch {
		case empty >= 0:
			i = empty
		case worst >= 0:
			i = worst
		default:
			// Too many active servers to choose from.
			return
		}
	}

	slot := &st.Pool[i]
	slot.Address = source
	store.SetString(slot.Name[:], ipString(source.IP))
	slot.Stratum = int16(p.Stratum)
	slot.Local = received
	slot.Origin = toTimeval(p.Transmit)

	// Election: adopt a first source, or one strictly closer to the
	// reference than the current one.
	if st.Source < 0 {
		st.Source = int32(e.electLowest())
		if st.Source >= 0 {
			e.log.Info().Str("server", store.CString(st.Pool[st.Source].Name[:])).
				Msg("new time source")
		}
	} else if i != int(st.Source) && slot.Stratum < st.Pool[st.Source].Stratum {
		e.log.Info().Str("server", store.CString(slot.Name[:])).
			Msg("switching to lower-stratum time source")
		st.Source = int32(i)
	}

	if st.Source == int32(i) {
		e.clock.Synchronize(slot.Origin, received, 0)
		st.Stratum = int32(slot.Stratum) + 1
	}
}

// classicalOffsetUsec computes the offset of the local clock against the
// replying server: ((receive - origin) - (local - transmit)) / 2.
func classicalOffsetUsec(p *Packet, received store.Timeval) int64 {
	t1 := toTimeval(p.Origin)   // our transmit, echoed
	t2 := toTimeval(p.Receive)  // server receive
	t3 := toTimeval(p.Transmit) // server transmit
	t4 := received
	return (usecDiff(t2, t1) - usecDiff(t4, t3)) / 2
}

// handleServerReply measures our offset against the calibration reference.
func (e *Engine) handleServerReply(p *Packet, received store.Timeval) {
	offsetUsec := classicalOffsetUsec(p, received)
	if e.cfg.TestMode {
		fmt.Printf("calibration offset: %.3f ms\n", float64(offsetUsec)/1000.0)
	}
	e.log.Debug().Int64("offset_usec", offsetUsec).Msg("calibration reply")
}

// updateState applies the mode/stratum state machine.
func (e *Engine) updateState(nowSec int64) {
	st := e.status
	switch {
	case e.nmeaActive(nowSec) && e.clock.Synchronized():
		st.Mode = 'S'
		st.Stratum = 1
		st.Source = -1
	case !e.nmeaActive(nowSec):
		st.Mode = 'C'
		if st.Source >= 0 && st.Pool[st.Source].Local.Sec != 0 {
			st.Stratum = int32(st.Pool[st.Source].Stratum) + 1
		} else {
			st.Stratum = 0
		}
	default:
		// GPS present but the clock not yet settled: neither serving
		// nor following anyone.
		st.Mode = 'I'
		st.Stratum = 0
	}
}

// Periodic runs once per wall second: traffic bucket rollover, pool
// reclamation, the advertisement broadcast and the calibration request.
func (e *Engine) Periodic(now store.Timeval) {
	st := e.status

	if e.latestPeriod == 0 {
		e.latestPeriod = now.Sec / 10
	} else if now.Sec/10 > e.latestPeriod {
		slot := e.latestPeriod % store.NtpDepth
		st.Live.Timestamp = e.latestPeriod * 10
		st.Latest = st.Live
		st.History[slot] = st.Live
		st.Live = store.NtpTraffic{}
		e.latestPeriod++
	}

	e.reclaim(now.Sec)
	e.updateState(now.Sec)

	if (e.nmeaActive(now.Sec) || e.cfg.BroadcastAlways) && e.clock.Synchronized() &&
		now.Sec > e.latestBroadcast+e.cfg.PeriodSec {
		e.broadcast(now)
	}

	if e.reference != nil && now.Sec >= e.latestCalibration+calibrationIntervalSec {
		e.calibrate(now)
	}
}

func (e *Engine) broadcast(now store.Timeval) {
	st := e.status
	pkt := Packet{
		LiVnMode:       0x25, // li=0, vn=4, mode=5
		Stratum:        1,
		Poll:           defaultPoll,
		Precision:      defaultPrecision,
		RootDispersion: dispersionToShort(e.clock.Dispersion()),
		Refid:          refidGPS,
		Reference:      toTimestamp(e.clock.Reference()),
		Transmit:       toTimestamp(e.now()),
	}
	if err := e.transport.Broadcast(pkt.Encode()); err != nil {
		e.log.Error().Err(err).Msg("broadcast failed")
		return
	}
	e.latestBroadcast = now.Sec
	// A transmitted advertisement is accounted as engine traffic too, so
	// every bucket satisfies received >= client + broadcast.
	st.Live.Broadcast++
	st.Live.Received++
	e.log.Debug().Int64("at", now.Sec).Msg("sent broadcast")
}

func (e *Engine) calibrate(now store.Timeval) {
	req := Packet{
		LiVnMode:  0x23, // li=0, vn=4, mode=3
		Poll:      defaultPoll,
		Precision: defaultPrecision,
		Transmit:  toTimestamp(e.now()),
	}
	if err := e.transport.Send(req.Encode(), *e.reference); err != nil {
		e.log.Debug().Err(err).Msg("calibration request failed")
		return
	}
	e.latestCalibration = now.Sec
}

// Mode returns the current engine mode for the supervisor's logs.
func (e *Engine) Mode() byte { return byte(e.status.Mode) }

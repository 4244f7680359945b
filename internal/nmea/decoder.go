// Package nmea turns the bursty GPS serial byte stream into UTC instants
// paired with an estimate of when they entered the host.
//
// The receiver emits one burst of sentences per fix cycle. The decoder
// detects burst starts from inter-read silence, estimates the transfer rate
// from intra-burst timing, and uses that rate to recover the arrival time of
// the leading '$' of each sentence. When a sentence completes a new fix, the
// decoded UTC time and the chosen local reference are handed to the clock
// discipline.
package nmea

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"gpstimed/internal/store"
)

const (
	// bufferSize holds about two seconds of NMEA data, even in the worst
	// case. A full buffer means framing was lost; it is dropped whole.
	bufferSize = 2048

	// expireSec is how long a fix (or the whole feed) stays credible.
	expireSec = 5

	// burstGapMs of silence separates two fix cycles (strict >).
	burstGapMs = 500

	// rateGapMs is the largest inter-read gap counted by the byte-rate
	// estimator (strict <); longer gaps are inter-burst silence.
	rateGapMs = 300

	// rateSaturation triggers halving of the estimator totals, aging out
	// older samples.
	rateSaturation = 1000000

	// initialRate is the byte rate assumed before any measurement:
	// 115 bytes/ms (a USB pseudo serial), carrying the 1000x precision
	// factor used by all rate arithmetic.
	initialRate = 115000
)

type Config struct {
	// LatencyMs compensates the receiver's internal delay between the fix
	// and the first sentence.
	LatencyMs int64
	// UseBurst selects the burst start instead of the fix sentence's '$'
	// as the discipline reference.
	UseBurst bool
	// Privacy suppresses position publication.
	Privacy bool
	// ShowNmea traces decoded sentences and timing.
	ShowNmea bool
}

// Synchronizer receives (source, capture, latency) triples. Implemented by
// the clock discipline.
type Synchronizer interface {
	Synchronize(source, local store.Timeval, latencyMs int64)
}

// Decoder is single-owner state driven by the supervisor loop.
type Decoder struct {
	cfg   Config
	log   zerolog.Logger
	noise *rate.Limiter
	clock Synchronizer

	status *store.GpsStatus

	buf   [bufferSize]byte
	count int

	// Byte-rate estimator: accumulated bytes and milliseconds, never
	// reset, only halved to lower the weight of older samples.
	totalBytes int64
	totalMs    int64

	previous store.Timeval
	burst    store.Timeval
	flags    int32

	initialized int64
}

func New(cfg Config, tables *store.Tables, clock Synchronizer, log zerolog.Logger, now time.Time) *Decoder {
	d := &Decoder{
		cfg:    cfg,
		log:    log.With().Str("component", "nmea").Logger(),
		noise:  rate.NewLimiter(rate.Every(time.Second), 10),
		clock:  clock,
		status: tables.Gps.At(0),
	}
	d.Reset()
	d.initialized = now.Unix()
	return d
}

// Reset drops the accumulated bytes and clears the published GPS state.
// The byte-rate estimator survives: transfer speed is a property of the
// device, not of the session.
func (d *Decoder) Reset() {
	d.count = 0
	st := d.status
	st.Fix = 0
	st.FixTime = 0
	st.Device[0] = 0
	st.Date[0] = 0
	st.Time[0] = 0
	st.Latitude[0] = 0
	st.Longitude[0] = 0
	st.TextCount = 0
	st.Cursor = 0
}

// Restart resets the decoder when the device is reopened, with a fresh
// watchdog grace period.
func (d *Decoder) Restart(now time.Time) {
	d.Reset()
	d.initialized = now.Unix()
}

// SetDevice publishes the device path once the link is open.
func (d *Decoder) SetDevice(path string) {
	store.SetString(d.status.Device[:], path)
}

// speed returns the current byte-rate estimate, scaled by 1000.
func (d *Decoder) speed() int64 {
	if d.totalMs > 0 {
		if s := (1000 * d.totalBytes) / d.totalMs; s > 0 {
			return s
		}
	}
	return initialRate
}

// backdate returns received minus the transfer time of n bytes.
func backdate(received store.Timeval, n int, speed int64) store.Timeval {
	return received.AddUsec(-(int64(n) * 1000000 / speed))
}

// Consume ingests one batch of bytes whose availability was detected at
// received, then decodes every complete sentence accumulated so far.
func (d *Decoder) Consume(data []byte, received store.Timeval) {
	if d.count == len(d.buf) {
		// Buffer should never be full: forget accumulated data.
		d.count = 0
	}
	n := copy(d.buf[d.count:], data)
	if n < len(data) && d.noise.Allow() {
		d.log.Debug().Int("dropped", len(data)-n).Msg("nmea buffer overflow")
	}
	d.count += n

	var intervalMs int64
	if !d.previous.IsZero() {
		intervalMs = received.SubMs(d.previous)

		if intervalMs < rateGapMs {
			if d.totalBytes > rateSaturation || d.totalMs > rateSaturation {
				d.totalBytes /= 2
				d.totalMs /= 2
			}
			d.totalBytes += int64(n)
			d.totalMs += intervalMs
		}

		if intervalMs > burstGapMs {
			// Start of a new fix cycle: estimate when its first byte
			// entered the host, and retire the previous GPS time so
			// the next fix sentence reads as new.
			d.burst = backdate(received, d.count, d.speed())
			if d.cfg.ShowNmea {
				d.log.Info().
					Int64("received_sec", received.Sec).
					Int64("burst_sec", d.burst.Sec).
					Int64("burst_usec", d.burst.Usec).
					Msg("new burst")
			}
			d.status.Date[0] = 0
			d.status.Time[0] = 0
			d.flags = store.FlagNewBurst
		}
	}
	d.previous = received

	d.decodeBuffer(received)
}

// decodeBuffer walks the accumulator, handling each complete CR/LF-terminated
// sentence and keeping the trailing partial sentence for the next batch.
func (d *Decoder) decodeBuffer(received store.Timeval) {
	speed := d.speed()
	i := 0
	// Skip leading line terminators.
	for i < d.count && (d.buf[i] == '\r' || d.buf[i] == '\n') {
		i++
	}
	begin := i

	for ; i < d.count; i++ {
		if d.buf[i] != '\r' && d.buf[i] != '\n' {
			continue
		}
		line := d.buf[begin:i]
		// The '*CC' checksum tail is not part of the sentence.
		if star := indexByte(line, '*'); star >= 0 {
			line = line[:star]
		}
		d.handleSentence(line, begin, received, speed)

		for i < d.count && (d.buf[i] == '\r' || d.buf[i] == '\n') {
			i++
		}
		begin = i
	}

	// Move the leftover to the beginning of the buffer.
	if begin > 0 {
		d.count = copy(d.buf[:], d.buf[begin:d.count])
	}
}

func indexByte(b []byte, c byte) int {
	for i := range b {
		if b[i] == c {
			return i
		}
	}
	return -1
}

func (d *Decoder) handleSentence(line []byte, offset int, received store.Timeval, speed int64) {
	if len(line) == 0 || line[0] != '$' {
		if len(line) > 0 && d.noise.Allow() {
			d.log.Debug().Bytes("line", line).Msg("skipping invalid sentence")
		}
		return
	}
	sentence := string(line[1:])

	// Estimated arrival of the '$', backdated by the bytes that were
	// still in flight behind it at read time.
	timing := backdate(received, d.count-offset, speed)

	if d.cfg.ShowNmea {
		d.log.Info().
			Int64("sec", timing.Sec).
			Int64("usec", timing.Usec).
			Str("sentence", sentence).
			Msg("nmea")
	}

	d.record(sentence, timing)
	d.flags |= d.decode(sentence, received)
	d.mark()

	if d.flags == store.FlagNewFix|store.FlagNewBurst {
		if source, ok := d.fixTime(); ok {
			local := timing
			if d.cfg.UseBurst {
				local = d.burst
			}
			d.clock.Synchronize(source, local, d.cfg.LatencyMs)
			d.flags = 0
		}
	}
}

// record appends the sentence to the 32-deep ring.
func (d *Decoder) record(sentence string, timing store.Timeval) {
	st := d.status
	st.Cursor++
	if st.Cursor >= store.SentenceDepth {
		st.Cursor = 0
	}
	slot := &st.History[st.Cursor]
	store.SetString(slot.Raw[:], sentence)
	slot.Timing = timing
	slot.Flags = 0
}

// mark stamps the current ring slot with the accumulated flags and refreshes
// the feed timestamp used by the watchdog.
func (d *Decoder) mark() {
	st := d.status
	st.History[st.Cursor].Flags = d.flags
	st.Timestamp = d.burst
}

// isNew compares a received field against its memorized copy, updating the
// copy while scanning. On RMC sentences both the time and the date comparison
// run, so each independently refreshes its stored value.
func isNew(received string, memorized []byte) bool {
	changed := false
	i := 0
	for ; i < len(received) && i < len(memorized)-1; i++ {
		if memorized[i] != received[i] {
			memorized[i] = received[i]
			changed = true
		}
	}
	if memorized[i] != 0 {
		memorized[i] = 0
		changed = true
	}
	return changed
}

// validTalker accepts GPS (GP), Galileo (GA) and GLONASS (GL) prefixes.
func validTalker(name string) bool {
	if len(name) < 2 || name[0] != 'G' {
		return false
	}
	switch name[1] {
	case 'P', 'A', 'L':
		return true
	}
	return false
}

// statusValid checks an NMEA status/integrity flag pair: position status
// 'A' (active) plus mode indicator 'A' (autonomous) or 'D' (differential).
func statusValid(status, integrity string) bool {
	return len(status) > 0 && status[0] == 'A' &&
		len(integrity) > 0 && (integrity[0] == 'A' || integrity[0] == 'D')
}

// storePosition publishes lat/NS/lon/EW unless privacy mode hides them, and
// marks the fix as current.
func (d *Decoder) storePosition(fields []string, received store.Timeval) {
	st := d.status
	if !d.cfg.Privacy {
		store.SetString(st.Latitude[:], fields[0])
		store.SetString(st.Longitude[:], fields[2])
		if len(fields[1]) > 0 {
			st.Hemisphere[0] = fields[1][0]
		}
		if len(fields[3]) > 0 {
			st.Hemisphere[1] = fields[3][0]
		}
	}
	st.Fix = 1
	st.FixTime = received.Sec
}

// decode interprets one sentence and returns FlagNewFix when it carries a
// fresh fix time.
func (d *Decoder) decode(sentence string, received store.Timeval) int32 {
	fields := strings.Split(sentence, ",")
	if !validTalker(fields[0]) {
		return 0
	}
	if len(fields[0]) != 5 {
		return 0
	}
	newfix := false

	switch fields[0][2:] {
	case "RMC":
		// talker,time,A|V,lat,N|S,long,E|W,speed,course,date,variation,E|W,integrity
		if len(fields) <= 12 {
			if d.noise.Allow() {
				d.log.Debug().Msg("invalid RMC sentence: too few fields")
			}
			break
		}
		if statusValid(fields[2], fields[12]) {
			// Both comparisons run on purpose: each refreshes its stored copy.
			timeNew := isNew(fields[1], d.status.Time[:])
			dateNew := isNew(fields[9], d.status.Date[:])
			newfix = timeNew || dateNew
			if newfix {
				d.storePosition(fields[3:7], received)
			}
		} else {
			d.status.Fix = 0
		}

	case "GGA":
		// talker,time,lat,N|S,long,E|W,quality,satellites,...
		if len(fields) <= 7 {
			if d.noise.Allow() {
				d.log.Debug().Msg("invalid GGA sentence: too few fields")
			}
			break
		}
		quality := byte(0)
		if len(fields[6]) > 0 {
			quality = fields[6][0]
		}
		sats := atoi(fields[7])
		if quality >= '1' && quality <= '5' && sats >= 3 {
			newfix = isNew(fields[1], d.status.Time[:])
			if newfix {
				d.storePosition(fields[2:6], received)
			}
		} else {
			d.status.Fix = 0
		}

	case "GLL":
		// talker,lat,N|S,long,E|W,time,A|V,A|D|E|N|S
		if len(fields) <= 7 {
			if d.noise.Allow() {
				d.log.Debug().Msg("invalid GLL sentence: too few fields")
			}
			break
		}
		if statusValid(fields[6], fields[7]) {
			newfix = isNew(fields[5], d.status.Time[:])
			if newfix {
				d.storePosition(fields[1:5], received)
			}
		} else {
			d.status.Fix = 0
		}

	case "TXT":
		if len(fields) > 4 && d.status.TextCount < store.TextLines {
			store.SetString(d.status.Text[d.status.TextCount].Line[:], fields[4])
			d.status.TextCount++
		}
	}

	if newfix {
		return store.FlagNewFix
	}
	return 0
}

func atoi(s string) int {
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return n
}

func twoDigit(s string, at int) int {
	return int(s[at]-'0')*10 + int(s[at+1]-'0')
}

// fixTime assembles the stored GPS date and time into a UTC instant.
// Two-digit years pivot at 70: 70-99 land in the 1900s, 00-69 in the 2000s.
func (d *Decoder) fixTime() (store.Timeval, bool) {
	date := store.CString(d.status.Date[:])
	hhmmss := store.CString(d.status.Time[:])
	if len(date) < 6 || len(hhmmss) < 6 {
		return store.Timeval{}, false
	}
	for _, s := range []string{date[:6], hhmmss[:6]} {
		for i := 0; i < 6; i++ {
			if s[i] < '0' || s[i] > '9' {
				return store.Timeval{}, false
			}
		}
	}
	year := twoDigit(date, 4)
	if year >= 70 {
		year += 1900
	} else {
		year += 2000
	}
	t := time.Date(year, time.Month(twoDigit(date, 2)), twoDigit(date, 0),
		twoDigit(hhmmss, 0), twoDigit(hhmmss, 2), twoDigit(hhmmss, 4), 0, time.UTC)
	return store.Timeval{Sec: t.Unix()}, true
}

// Periodic is the stale-feed watchdog. It reports true when the feed
// expired, in which case the state was reset and the caller should close
// the device (the next listen retries).
func (d *Decoder) Periodic(now store.Timeval) bool {
	if d.initialized == 0 {
		return false
	}
	// Grace period right after initialization.
	if now.Sec <= d.initialized+expireSec {
		return false
	}
	if now.Sec > d.status.Timestamp.Sec+expireSec {
		if d.cfg.ShowNmea {
			d.log.Info().Int64("now", now.Sec).Msg("gps data expired")
		}
		d.Reset()
		return true
	}
	return false
}

// Fresh reports whether a fix was accepted within the expiration window.
// Together with an open device this is the "NMEA active" condition the NTP
// engine keys its server mode on.
func (d *Decoder) Fresh(nowSec int64) bool {
	return d.status.FixTime != 0 && d.status.FixTime+expireSec >= nowSec
}

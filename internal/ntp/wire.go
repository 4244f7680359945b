// Package ntp implements the SNTP engine: the 48-byte wire codec, the
// request/broadcast handlers, the peer pool and election, and the optional
// calibration client.
package ntp

import (
	"encoding/binary"
	"errors"

	"gpstimed/internal/store"
)

const (
	// PacketSize is the fixed NTP header; anything shorter is dropped.
	PacketSize = 48

	// unixEpoch converts NTP seconds (1900) to POSIX seconds (1970).
	unixEpoch = 2208988800

	// Protocol modes.
	ModeClient    = 3
	ModeServer    = 4
	ModeBroadcast = 5
	ModeControl   = 6
)

var errShortPacket = errors.New("ntp: short packet")

// Timestamp is the 64-bit NTP time format: seconds since 1900 plus a 32-bit
// binary fraction of a second.
type Timestamp struct {
	Seconds  uint32
	Fraction uint32
}

// Short is the 32-bit 16.16 fixed-point format used for root delay and
// root dispersion.
type Short struct {
	Seconds  uint16
	Fraction uint16
}

// Packet is one decoded NTP header. Field order matches the wire layout.
type Packet struct {
	LiVnMode       uint8
	Stratum        uint8
	Poll           int8
	Precision      int8
	RootDelay      uint32
	RootDispersion Short
	Refid          [4]byte
	Reference      Timestamp
	Origin         Timestamp
	Receive        Timestamp
	Transmit       Timestamp
}

// Mode extracts the 3-bit association mode.
func (p *Packet) Mode() int { return int(p.LiVnMode & 0x7) }

// Version extracts the 3-bit protocol version.
func (p *Packet) Version() int { return int(p.LiVnMode>>3) & 0x7 }

// Encode renders the header big-endian into a fresh 48-byte slice.
func (p *Packet) Encode() []byte {
	b := make([]byte, PacketSize)
	b[0] = p.LiVnMode
	b[1] = p.Stratum
	b[2] = byte(p.Poll)
	b[3] = byte(p.Precision)
	binary.BigEndian.PutUint32(b[4:], p.RootDelay)
	binary.BigEndian.PutUint16(b[8:], p.RootDispersion.Seconds)
	binary.BigEndian.PutUint16(b[10:], p.RootDispersion.Fraction)
	copy(b[12:16], p.Refid[:])
	putTimestamp(b[16:], p.Reference)
	putTimestamp(b[24:], p.Origin)
	putTimestamp(b[32:], p.Receive)
	putTimestamp(b[40:], p.Transmit)
	return b
}

// Decode parses a received datagram. Extra trailing bytes are ignored.
func Decode(b []byte) (Packet, error) {
	if len(b) < PacketSize {
		return Packet{}, errShortPacket
	}
	var p Packet
	p.LiVnMode = b[0]
	p.Stratum = b[1]
	p.Poll = int8(b[2])
	p.Precision = int8(b[3])
	p.RootDelay = binary.BigEndian.Uint32(b[4:])
	p.RootDispersion.Seconds = binary.BigEndian.Uint16(b[8:])
	p.RootDispersion.Fraction = binary.BigEndian.Uint16(b[10:])
	copy(p.Refid[:], b[12:16])
	p.Reference = getTimestamp(b[16:])
	p.Origin = getTimestamp(b[24:])
	p.Receive = getTimestamp(b[32:])
	p.Transmit = getTimestamp(b[40:])
	return p, nil
}

func putTimestamp(b []byte, ts Timestamp) {
	binary.BigEndian.PutUint32(b, ts.Seconds)
	binary.BigEndian.PutUint32(b[4:], ts.Fraction)
}

func getTimestamp(b []byte) Timestamp {
	return Timestamp{
		Seconds:  binary.BigEndian.Uint32(b),
		Fraction: binary.BigEndian.Uint32(b[4:]),
	}
}

func fraction2usec(fraction uint32) int64 {
	return int64(float64(fraction) * 1.0e6 / 4294967296.0)
}

func usec2fraction(usec int64) uint32 {
	return uint32(float64(usec) * 4294967296.0 / 1.0e6)
}

// toTimestamp converts a local instant to wire format.
func toTimestamp(tv store.Timeval) Timestamp {
	return Timestamp{
		Seconds:  uint32(tv.Sec + unixEpoch),
		Fraction: usec2fraction(tv.Usec),
	}
}

// toTimeval converts a wire timestamp to a local instant.
func toTimeval(ts Timestamp) store.Timeval {
	return store.Timeval{
		Sec:  int64(ts.Seconds) - unixEpoch,
		Usec: fraction2usec(ts.Fraction),
	}
}

// dispersionToShort encodes a millisecond dispersion as 16.16 fixed-point
// seconds: whole seconds above one second, the remainder scaled to the
// fractional half.
func dispersionToShort(ms int64) Short {
	var s Short
	if ms >= 1000 {
		s.Seconds = uint16(ms / 1000)
		ms = ms % 1000
	}
	s.Fraction = uint16(float64(ms) / 1e3 * 65536.0)
	return s
}

// shortToDispersion is the inverse, back to milliseconds.
func shortToDispersion(s Short) int64 {
	ms := int64(float64(s.Fraction) * 1e3 / 65536.0)
	return ms + int64(s.Seconds)*1000
}

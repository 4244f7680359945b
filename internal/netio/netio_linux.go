//go:build linux

package netio

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"gpstimed/internal/store"
)

// socketBuffer is the receive and send buffer size on the server socket;
// generous so a burst of clients never drops requests.
const socketBuffer = 1024 * 1024

type ifaceSocket struct {
	name      string
	fd        int
	addr      [4]byte
	mask      [4]byte
	broadcast [4]byte
}

// Server is the NTP socket set. Single-owner, driven by the supervisor.
type Server struct {
	fd   int
	port int
	log  zerolog.Logger

	ifaces []ifaceSocket
}

func newSocket(addr [4]byte, port int, broadcast bool) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if broadcast {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_BROADCAST, 1); err != nil {
			unix.Close(fd)
			return -1, fmt.Errorf("SO_BROADCAST: %w", err)
		}
	}
	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %d.%d.%d.%d:%d: %w", addr[0], addr[1], addr[2], addr[3], port, err)
	}
	return fd, nil
}

// Open binds the server socket to 0.0.0.0 on the given port.
func Open(port int, log zerolog.Logger) (*Server, error) {
	fd, err := newSocket([4]byte{}, port, false)
	if err != nil {
		return nil, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBuffer); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_RCVBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBuffer); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("SO_SNDBUF: %w", err)
	}

	s := &Server{fd: fd, port: port, log: log.With().Str("component", "netio").Logger()}
	if port == 0 {
		// Mostly for tests: recover the kernel-chosen port.
		if sa, err := unix.Getsockname(fd); err == nil {
			if in4, ok := sa.(*unix.SockaddrInet4); ok {
				s.port = in4.Port
			}
		}
	}
	s.log.Info().Int("port", s.port).Msg("ntp socket open")
	return s, nil
}

// Fd exposes the server descriptor for the event loop.
func (s *Server) Fd() int { return s.fd }

// Port returns the bound UDP port.
func (s *Server) Port() int { return s.port }

// Receive drains one datagram. Returns a zero count when nothing is pending.
func (s *Server) Receive(buf []byte) (int, store.NetAddr, error) {
	n, from, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, store.NetAddr{}, nil
		}
		return 0, store.NetAddr{}, err
	}
	var source store.NetAddr
	if in4, ok := from.(*unix.SockaddrInet4); ok {
		source.IP = in4.Addr
		source.Port = uint16(in4.Port)
	}
	return n, source, nil
}

// Send transmits one unicast datagram from the server socket.
func (s *Server) Send(b []byte, to store.NetAddr) error {
	sa := &unix.SockaddrInet4{Port: int(to.Port), Addr: to.IP}
	return unix.Sendto(s.fd, b, 0, sa)
}

// Enumerate refreshes the per-interface broadcast sockets, adjusting to
// interface changes since the previous round.
func (s *Server) Enumerate() {
	s.closeIfaces()

	ifaces, err := net.Interfaces()
	if err != nil {
		s.log.Error().Err(err).Msg("interface enumeration failed")
		return
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}
			var entry ifaceSocket
			entry.name = iface.Name
			copy(entry.addr[:], ip4)
			copy(entry.mask[:], net.IP(ipnet.Mask).To4())
			entry.broadcast = directedBroadcast(entry.addr, entry.mask)

			fd, err := newSocket(entry.addr, 0, true)
			if err != nil {
				s.log.Debug().Err(err).Str("interface", iface.Name).
					Msg("cannot open broadcast socket")
				continue
			}
			entry.fd = fd
			s.ifaces = append(s.ifaces, entry)
		}
	}
}

// Broadcast sends the payload once per interface network, to each directed
// broadcast address. Interfaces are re-enumerated first.
func (s *Server) Broadcast(b []byte) error {
	s.Enumerate()
	var firstErr error
	for i := range s.ifaces {
		e := &s.ifaces[i]
		sa := &unix.SockaddrInet4{Port: s.port, Addr: e.broadcast}
		if err := unix.Sendto(e.fd, b, 0, sa); err != nil {
			s.log.Error().Err(err).Str("interface", e.name).Msg("broadcast send failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Local returns the local address sharing a network with addr, for the
// status surface; zero when no interface matches.
func (s *Server) Local(addr [4]byte) [4]byte {
	for i := len(s.ifaces) - 1; i >= 0; i-- {
		e := &s.ifaces[i]
		if sameNetwork(e.addr, addr, e.mask) {
			return e.addr
		}
	}
	return [4]byte{}
}

func (s *Server) closeIfaces() {
	for i := range s.ifaces {
		unix.Close(s.ifaces[i].fd)
	}
	s.ifaces = nil
}

// Close releases every socket.
func (s *Server) Close() {
	s.closeIfaces()
	if s.fd >= 0 {
		unix.Close(s.fd)
		s.fd = -1
	}
}

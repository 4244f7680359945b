//go:build linux

// Package daemon is the supervisor of the time process: it owns the shared
// arena, spawns the status child, raises its own scheduling priority, and
// drives every component from a single poll loop with a one-second cadence.
package daemon

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"gpstimed/internal/clock"
	"gpstimed/internal/config"
	"gpstimed/internal/netio"
	"gpstimed/internal/nmea"
	"gpstimed/internal/ntp"
	"gpstimed/internal/serial"
	"gpstimed/internal/shm"
	"gpstimed/internal/store"
)

const (
	// timePriority / statusPriority separate the clock work from the HTTP
	// surface: disciplining must never stall behind status traffic.
	timePriority = -20

	// pollTimeoutMs is the event-loop cadence; all periodic work hangs off
	// the wall-second transitions it guarantees.
	pollTimeoutMs = 1000
)

// Run is the time process. It returns the process exit code.
func Run(opts *config.Options, log zerolog.Logger) int {
	log = log.With().Str("component", "daemon").Logger()

	arena, dbFile, err := shm.CreateShared(opts.DbBytes())
	if err != nil {
		log.Error().Err(err).Msg("cannot create the shared status database")
		return 1
	}
	tables, err := store.Create(arena)
	if err != nil {
		log.Error().Err(err).Msg("cannot create the shared tables")
		return 1
	}

	child, err := spawnStatus(dbFile)
	if err != nil {
		log.Error().Err(err).Msg("cannot start the status process")
		return 1
	}
	log.Info().Int("pid", child.Process.Pid).Msg("status process started")

	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, timePriority); err != nil {
		log.Warn().Err(err).Msg("cannot raise scheduling priority")
	}

	dev := clock.SystemClock{}
	disc := clock.New(clock.Config{
		PrecisionMs: opts.PrecisionMs,
		ShowDrift:   opts.ShowDrift,
		TestMode:    opts.Test,
	}, tables, dev, log)

	link := serial.New(serial.Config{Device: opts.GpsDevice, Baud: opts.Baud}, log)
	decoder := nmea.New(nmea.Config{
		LatencyMs: int64(opts.LatencyMs),
		UseBurst:  opts.Burst,
		Privacy:   opts.Privacy,
		ShowNmea:  opts.ShowNmea,
	}, tables, disc, log, time.Now())

	// In test mode the daemon only watches the drift; it neither serves
	// nor listens to NTP.
	var srv *netio.Server
	var engine *ntp.Engine
	if opts.NtpService != "none" && !opts.Test {
		port, err := netio.LookupService(opts.NtpService)
		if err != nil {
			log.Error().Err(err).Str("service", opts.NtpService).Msg("invalid NTP service")
			return 1
		}
		srv, err = netio.Open(port, log)
		if err != nil {
			log.Error().Err(err).Msg("cannot bind the NTP socket")
			return 1
		}
		defer srv.Close()

		nmeaActive := func(nowSec int64) bool {
			return link.Open() && decoder.Fresh(nowSec)
		}
		engine = ntp.New(ntp.Config{
			PeriodSec:       int64(opts.NtpPeriodSec),
			BroadcastAlways: opts.NtpBroadcast,
			Reference:       opts.NtpReference,
			TestMode:        opts.Test,
		}, tables, disc, nmeaActive, srv, dev.Now, log)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var (
		scratch    [2048]byte
		packet     [65536]byte
		lastPeriod int64
		wasOpen    bool
	)

	for {
		select {
		case sig := <-stop:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
			return 0
		default:
		}

		gpsFile := link.Listen(time.Now())
		if link.Open() && !wasOpen {
			decoder.Restart(time.Now())
			decoder.SetDevice(link.Device())
		}
		wasOpen = link.Open()

		var fds []unix.PollFd
		ntpIdx, gpsIdx := -1, -1
		if srv != nil {
			ntpIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(srv.Fd()), Events: unix.POLLIN})
		}
		if gpsFile != nil {
			gpsIdx = len(fds)
			fds = append(fds, unix.PollFd{Fd: int32(link.Fd()), Events: unix.POLLIN})
		}

		n, err := unix.Poll(fds, pollTimeoutMs)
		if err != nil && err != unix.EINTR {
			log.Error().Err(err).Msg("poll failed")
			return 1
		}
		now := dev.Now()

		if n > 0 {
			if gpsIdx >= 0 && fds[gpsIdx].Revents != 0 {
				count, rerr := link.Read(scratch[:])
				if rerr != nil || count <= 0 {
					log.Info().Err(rerr).Msg("gps device went away")
					decoder.Reset()
					link.Close()
					wasOpen = false
				} else {
					decoder.Consume(scratch[:count], now)
				}
			}
			if ntpIdx >= 0 && fds[ntpIdx].Revents != 0 {
				for {
					count, source, rerr := srv.Receive(packet[:])
					if rerr != nil {
						log.Debug().Err(rerr).Msg("ntp receive failed")
						break
					}
					if count == 0 {
						break
					}
					engine.Process(packet[:count], source, now)
				}
			}
		}

		if now.Sec > lastPeriod {
			lastPeriod = now.Sec
			if engine != nil {
				engine.Periodic(now)
			}
			if link.Open() {
				if decoder.Periodic(now) {
					link.Close()
					wasOpen = false
				}
			}
			if exited, status := reap(child); exited {
				log.Error().Int("status", status).Msg("the status process died, exiting")
				return 1
			}
		}
	}
}

// spawnStatus re-executes this binary as the low-priority status child,
// handing it the arena as fd 3.
func spawnStatus(dbFile *os.File) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	args := append([]string{"-run-status"}, os.Args[1:]...)
	cmd := exec.Command(exe, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{dbFile}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// reap polls the status child without blocking.
func reap(child *exec.Cmd) (bool, int) {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(child.Process.Pid, &ws, unix.WNOHANG, nil)
	if err != nil || pid != child.Process.Pid {
		return false, 0
	}
	return true, ws.ExitStatus()
}

// Package config assembles the daemon options from the command line, with an
// optional YAML file supplying defaults for unset flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the fully resolved configuration.
type Options struct {
	// General.
	Debug bool
	Test  bool
	DbMiB int

	// Clock.
	PrecisionMs int
	ShowDrift   bool

	// NMEA.
	GpsDevice string
	LatencyMs int
	Baud      int
	Burst     bool
	Privacy   bool
	ShowNmea  bool

	// NTP.
	NtpService   string
	NtpPeriodSec int
	NtpReference string
	NtpBroadcast bool

	// HTTP status surface ("dynamic" binds an ephemeral port).
	HttpService string

	// Internal: this invocation is the status child.
	RunStatus bool

	ConfigPath string
}

// File is the YAML shape of the optional defaults file.
type File struct {
	Db    int `yaml:"db"`
	Clock struct {
		Precision int  `yaml:"precision"`
		Drift     bool `yaml:"drift"`
	} `yaml:"clock"`
	Gps struct {
		Device   string `yaml:"device"`
		Latency  int    `yaml:"latency"`
		Baud     int    `yaml:"baud"`
		Burst    bool   `yaml:"burst"`
		Privacy  bool   `yaml:"privacy"`
		ShowNmea bool   `yaml:"show_nmea"`
	} `yaml:"gps"`
	Ntp struct {
		Service   string `yaml:"service"`
		Period    int    `yaml:"period"`
		Reference string `yaml:"reference"`
		Broadcast bool   `yaml:"broadcast"`
	} `yaml:"ntp"`
	Http struct {
		Service string `yaml:"service"`
	} `yaml:"http"`
}

func newFlagSet(opts *Options) *flag.FlagSet {
	fs := flag.NewFlagSet("gpstimed", flag.ContinueOnError)

	fs.BoolVar(&opts.Debug, "debug", false, "print debug traces")
	fs.BoolVar(&opts.Test, "test", false, "print time drift against the GPS, do not touch the clock")
	fs.IntVar(&opts.DbMiB, "db", 0, "size of the shared status database, in MiB")

	fs.IntVar(&opts.PrecisionMs, "precision", 10, "clock synchronization target, in milliseconds")
	fs.BoolVar(&opts.ShowDrift, "drift", false, "print the measured drift")

	fs.StringVar(&opts.GpsDevice, "gps", "/dev/ttyACM0", "device to read NMEA data from")
	fs.IntVar(&opts.LatencyMs, "latency", 70, "delay between the GPS fix and the first sentence, in milliseconds")
	fs.IntVar(&opts.Baud, "baud", 0, "GPS line speed (0 keeps the OS default)")
	fs.BoolVar(&opts.Burst, "burst", false, "use the burst start as the GPS timing reference")
	fs.BoolVar(&opts.Privacy, "privacy", false, "do not export the GPS position")
	fs.BoolVar(&opts.ShowNmea, "show-nmea", false, "trace NMEA sentences")

	fs.StringVar(&opts.NtpService, "ntp-service", "ntp", "name or port for the NTP socket, or none")
	fs.IntVar(&opts.NtpPeriodSec, "ntp-period", 300, "how often the NTP server advertises itself, in seconds")
	fs.StringVar(&opts.NtpReference, "ntp-reference", "", "reference NTP server to calibrate against")
	fs.BoolVar(&opts.NtpBroadcast, "ntp-broadcast", false, "broadcast the time even without a GPS fix")

	fs.StringVar(&opts.HttpService, "http-service", "dynamic", "port for the HTTP status server, or dynamic")

	fs.BoolVar(&opts.RunStatus, "run-status", false, "internal: run as the status child process")
	fs.StringVar(&opts.ConfigPath, "config", "", "path to a YAML defaults file")

	return fs
}

// Parse resolves the options: flags given on the command line win over the
// YAML file, which wins over built-in defaults.
func Parse(args []string) (*Options, error) {
	var opts Options
	fs := newFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if opts.ConfigPath != "" {
		explicit := map[string]bool{}
		fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if err := opts.applyFile(opts.ConfigPath, explicit); err != nil {
			return nil, err
		}
	}

	opts.normalize()
	return &opts, nil
}

func (o *Options) applyFile(path string, explicit map[string]bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	set := func(name string, apply func()) {
		if !explicit[name] {
			apply()
		}
	}
	if f.Db != 0 {
		set("db", func() { o.DbMiB = f.Db })
	}
	if f.Clock.Precision != 0 {
		set("precision", func() { o.PrecisionMs = f.Clock.Precision })
	}
	if f.Clock.Drift {
		set("drift", func() { o.ShowDrift = true })
	}
	if f.Gps.Device != "" {
		set("gps", func() { o.GpsDevice = f.Gps.Device })
	}
	if f.Gps.Latency != 0 {
		set("latency", func() { o.LatencyMs = f.Gps.Latency })
	}
	if f.Gps.Baud != 0 {
		set("baud", func() { o.Baud = f.Gps.Baud })
	}
	if f.Gps.Burst {
		set("burst", func() { o.Burst = true })
	}
	if f.Gps.Privacy {
		set("privacy", func() { o.Privacy = true })
	}
	if f.Gps.ShowNmea {
		set("show-nmea", func() { o.ShowNmea = true })
	}
	if f.Ntp.Service != "" {
		set("ntp-service", func() { o.NtpService = f.Ntp.Service })
	}
	if f.Ntp.Period != 0 {
		set("ntp-period", func() { o.NtpPeriodSec = f.Ntp.Period })
	}
	if f.Ntp.Reference != "" {
		set("ntp-reference", func() { o.NtpReference = f.Ntp.Reference })
	}
	if f.Ntp.Broadcast {
		set("ntp-broadcast", func() { o.NtpBroadcast = true })
	}
	if f.Http.Service != "" {
		set("http-service", func() { o.HttpService = f.Http.Service })
	}
	return nil
}

func (o *Options) normalize() {
	if o.PrecisionMs <= 0 {
		o.PrecisionMs = 10
	}
	if o.NtpPeriodSec < 10 {
		o.NtpPeriodSec = 10
	}
	if o.LatencyMs < 0 {
		o.LatencyMs = 0
	}
	if o.DbMiB < 0 {
		o.DbMiB = 0
	}
}

// DbBytes returns the shared arena size in bytes; 0 selects the default.
func (o *Options) DbBytes() int {
	return o.DbMiB * 1024 * 1024
}

// Latency returns the configured latency as a duration, for logs.
func (o *Options) Latency() time.Duration {
	return time.Duration(o.LatencyMs) * time.Millisecond
}

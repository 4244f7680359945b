package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	opts, err := Parse(nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.GpsDevice != "/dev/ttyACM0" {
		t.Errorf("gps device = %q", opts.GpsDevice)
	}
	if opts.LatencyMs != 70 {
		t.Errorf("latency = %d", opts.LatencyMs)
	}
	if opts.PrecisionMs != 10 {
		t.Errorf("precision = %d", opts.PrecisionMs)
	}
	if opts.NtpService != "ntp" {
		t.Errorf("ntp service = %q", opts.NtpService)
	}
	if opts.NtpPeriodSec != 300 {
		t.Errorf("ntp period = %d", opts.NtpPeriodSec)
	}
	if opts.HttpService != "dynamic" {
		t.Errorf("http service = %q", opts.HttpService)
	}
	if opts.Baud != 0 || opts.Burst || opts.Privacy || opts.Debug || opts.Test {
		t.Errorf("unexpected defaults: %+v", opts)
	}
}

func TestFlagParsing(t *testing.T) {
	opts, err := Parse([]string{
		"-debug", "-test",
		"-gps=/dev/ttyUSB3", "-latency=120", "-baud=9600", "-burst", "-privacy",
		"-precision=5", "-drift",
		"-ntp-service=1123", "-ntp-period=60", "-ntp-reference=time.example.net", "-ntp-broadcast",
		"-db=4", "-http-service=8080",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !opts.Debug || !opts.Test || !opts.Burst || !opts.Privacy || !opts.ShowDrift || !opts.NtpBroadcast {
		t.Fatalf("boolean flags not applied: %+v", opts)
	}
	if opts.GpsDevice != "/dev/ttyUSB3" || opts.LatencyMs != 120 || opts.Baud != 9600 {
		t.Fatalf("gps flags not applied: %+v", opts)
	}
	if opts.PrecisionMs != 5 || opts.NtpService != "1123" || opts.NtpPeriodSec != 60 {
		t.Fatalf("clock/ntp flags not applied: %+v", opts)
	}
	if opts.NtpReference != "time.example.net" {
		t.Fatalf("reference = %q", opts.NtpReference)
	}
	if opts.DbMiB != 4 || opts.DbBytes() != 4*1024*1024 {
		t.Fatalf("db size = %d (%d bytes)", opts.DbMiB, opts.DbBytes())
	}
}

func TestNormalization(t *testing.T) {
	opts, err := Parse([]string{"-ntp-period=3", "-precision=0", "-latency=-5"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.NtpPeriodSec != 10 {
		t.Errorf("period floor: got %d, want 10", opts.NtpPeriodSec)
	}
	if opts.PrecisionMs != 10 {
		t.Errorf("precision fallback: got %d", opts.PrecisionMs)
	}
	if opts.LatencyMs != 0 {
		t.Errorf("negative latency not clamped: %d", opts.LatencyMs)
	}
}

func TestConfigFileDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpstimed.yaml")
	data := `
clock:
  precision: 25
gps:
  device: /dev/ttyS2
  latency: 90
  burst: true
ntp:
  service: "2123"
  period: 120
http:
  service: "8099"
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// File values apply where no flag was given; explicit flags win.
	opts, err := Parse([]string{"-config=" + path, "-latency=40"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.PrecisionMs != 25 {
		t.Errorf("precision from file: got %d", opts.PrecisionMs)
	}
	if opts.GpsDevice != "/dev/ttyS2" || !opts.Burst {
		t.Errorf("gps settings from file: %+v", opts)
	}
	if opts.LatencyMs != 40 {
		t.Errorf("explicit flag must win over the file: latency=%d", opts.LatencyMs)
	}
	if opts.NtpService != "2123" || opts.NtpPeriodSec != 120 {
		t.Errorf("ntp settings from file: %+v", opts)
	}
	if opts.HttpService != "8099" {
		t.Errorf("http service from file: %q", opts.HttpService)
	}
}

func TestConfigFileErrors(t *testing.T) {
	if _, err := Parse([]string{"-config=/no/such/file.yaml"}); err == nil {
		t.Fatalf("missing config file must fail")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("clock: ["), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Parse([]string{"-config=" + path}); err == nil {
		t.Fatalf("malformed config file must fail")
	}
}

func TestUnknownFlagFails(t *testing.T) {
	if _, err := Parse([]string{"-no-such-option"}); err == nil {
		t.Fatalf("unknown flag must fail")
	}
}

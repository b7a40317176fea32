package hostprobe

import (
	"net"
	"testing"
	"time"

	"github.com/tasker-run/tasker/internal/model"
)

func TestProbeSkipsLocalAndShellModes(t *testing.T) {
	p := &Prober{Timeout: 10 * time.Millisecond, Port: "1"}
	if err := p.Probe("nonexistent.invalid", model.ExecLocal); err != nil {
		t.Errorf("local mode should not be probed: %v", err)
	}
	if err := p.Probe("nonexistent.invalid", model.ExecShell); err != nil {
		t.Errorf("shell mode should not be probed: %v", err)
	}
}

func TestProbeReachableHost(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	_, port, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}

	p := &Prober{Timeout: time.Second, Port: port}
	if err := p.Probe("127.0.0.1", model.ExecPbrun); err != nil {
		t.Errorf("expected reachable host to succeed, got %v", err)
	}
}

func TestProbeUnreachableHost(t *testing.T) {
	p := &Prober{Timeout: 200 * time.Millisecond, Port: "1"}
	if err := p.Probe("127.0.0.1", model.ExecPbrun); err == nil {
		t.Error("expected an error dialing a closed port")
	}
}

func TestProbeCommandFound(t *testing.T) {
	p := New()
	if err := p.ProbeCommand("ls"); err != nil {
		t.Errorf("ls should be found on PATH: %v", err)
	}
}

func TestProbeCommandNotFound(t *testing.T) {
	p := New()
	if err := p.ProbeCommand("definitely-not-a-real-command-xyz"); err == nil {
		t.Error("expected an error for a nonexistent command")
	}
}

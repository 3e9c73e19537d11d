package liveness

import (
	"context"
	"fmt"
	"os"

	gnet "github.com/shirou/gopsutil/v4/net"

	"github.com/danshapiro/prtriage/internal/triage/telemetry"
)

// NetworkProbe observes network activity. Implementations may block on the
// OS and are always called without the tracker lock held.
type NetworkProbe interface {
	Sample(ctx context.Context) (telemetry.NetworkSample, error)
}

// ProcessProbe counts established TCP connections of a set of processes and
// reads host-wide byte counters. A process that exited or cannot be inspected
// contributes no connections; the byte counters are read regardless.
type ProcessProbe struct {
	// PIDs returns the processes to inspect. Nil inspects only this process.
	PIDs func() []int32
}

func (p ProcessProbe) Sample(ctx context.Context) (telemetry.NetworkSample, error) {
	pids := []int32{int32(os.Getpid())}
	if p.PIDs != nil {
		pids = p.PIDs()
	}
	var out telemetry.NetworkSample
	for _, pid := range pids {
		if pid <= 0 {
			continue
		}
		conns, err := gnet.ConnectionsPidWithContext(ctx, "tcp", pid)
		if err != nil {
			continue
		}
		for _, c := range conns {
			if c.Status == "ESTABLISHED" {
				out.EstablishedConnections++
			}
		}
	}
	counters, err := gnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return out, fmt.Errorf("io counters: %w", err)
	}
	if len(counters) > 0 {
		out.BytesSent = counters[0].BytesSent
		out.BytesRecv = counters[0].BytesRecv
	}
	return out, nil
}

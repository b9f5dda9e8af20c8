// Package metrics counts protocol traffic per operation.
package metrics

import (
	"sync/atomic"

	"paxcom/pkg/paxos"
)

// Collector captures counters from the engine.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
}

const numOps = int(paxos.ClientReply) + 1

type counter struct {
	atomic.Uint64
}

func (c *counter) Next() uint64 { return c.Add(1) }

// OpStats counts sent and received messages per protocol operation, the
// engine-side send/receive accounting.
type OpStats struct {
	sent     [numOps]counter
	received [numOps]counter
}

func NewOpStats() *OpStats {
	return &OpStats{}
}

func (s *OpStats) Sent(op paxos.Op) {
	if int(op) < numOps {
		s.sent[op].Next()
	}
}

func (s *OpStats) Received(op paxos.Op) {
	if int(op) < numOps {
		s.received[op].Next()
	}
}

// Snapshot returns non-zero counters keyed by operation name.
func (s *OpStats) Snapshot() map[string]map[string]uint64 {
	out := map[string]map[string]uint64{
		"sent":     make(map[string]uint64),
		"received": make(map[string]uint64),
	}
	for op := 0; op < numOps; op++ {
		if v := s.sent[op].Load(); v > 0 {
			out["sent"][paxos.Op(op).String()] = v
		}
		if v := s.received[op].Load(); v > 0 {
			out["received"][paxos.Op(op).String()] = v
		}
	}
	return out
}

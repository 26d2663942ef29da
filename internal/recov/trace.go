package recov

import (
	"container/ring"
	"sync"
	"time"
)

// Cause records why a trace entry was recorded, mirroring recovery.c's
// RECOV_CUZ_* enum (SPEC_FULL §4 — supplemented from original_source/).
type Cause int

const (
	CauseInit Cause = iota
	CauseReboot
	CauseCrash
	CauseDone
	CausePingCheck
	CausePingAsk
	CauseWait
	CauseWakeup
)

func (c Cause) String() string {
	switch c {
	case CauseInit:
		return "init"
	case CauseReboot:
		return "reboot"
	case CauseCrash:
		return "crash"
	case CauseDone:
		return "done"
	case CausePingCheck:
		return "ping-check"
	case CausePingAsk:
		return "ping-ask"
	case CauseWait:
		return "wait"
	case CauseWakeup:
		return "wakeup"
	default:
		return "unknown"
	}
}

// TraceRecord is one entry in a peer's recovery trace.
type TraceRecord struct {
	Peer     int
	Liveness Liveness
	Cause    Cause
	At       time.Time
}

// traceRing is a bounded, thread-safe circular buffer of TraceRecord,
// adapted from the teacher's pkg/minilog.Ring container/ring pattern but
// specialized to hold structured records instead of formatted strings.
type traceRing struct {
	mu sync.Mutex
	r  *ring.Ring
}

func newTraceRing(size int) *traceRing {
	return &traceRing{r: ring.New(size)}
}

func (t *traceRing) add(rec TraceRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.r = t.r.Next()
	t.r.Value = rec
}

func (t *traceRing) dump() []TraceRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []TraceRecord
	t.r.Next().Do(func(v interface{}) {
		if v == nil {
			return
		}
		out = append(out, v.(TraceRecord))
	})
	return out
}

package core

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/sprited/sprited/internal/config"
	"github.com/sprited/sprited/internal/recov"
	"github.com/sprited/sprited/internal/rpc"
)

type noopTransport struct {
	inbound chan *rpc.Message
	sends   int32
}

func newNoopTransport() *noopTransport {
	return &noopTransport{inbound: make(chan *rpc.Message)}
}

func (t *noopTransport) Send(ctx context.Context, peer int, m *rpc.Message) error {
	atomic.AddInt32(&t.sends, 1)
	return nil
}
func (t *noopTransport) Inbound() <-chan *rpc.Message                             { return t.inbound }

func TestNewWiresPingerThroughRPC(t *testing.T) {
	tunables := config.Defaults()
	tunables.SegmentCount = 4
	tunables.SegmentSize = 1000
	tunables.BlockSize = 100
	tunables.RecentTrafficWindow = 0

	transport := newNoopTransport()
	c := New(1, 1, transport, tunables)
	defer c.Close()

	if c.Registry == nil || c.RPC == nil {
		t.Fatalf("expected Registry and RPC to be wired")
	}

	// A no-op transport never delivers a reply, so Ping (and hence IsDead)
	// comes back Down. A registry with no pinger also reports Down, so the
	// transport having seen a Send is what proves SetPinger wired the
	// RPC-backed pinger into the registry.
	status := c.Registry.IsDead(context.Background(), 2, false)
	if status != recov.Down {
		t.Fatalf("expected Down, got %v", status)
	}
	if atomic.LoadInt32(&transport.sends) == 0 {
		t.Fatalf("expected the ping to go out through the RPC transport")
	}
}

func TestOpenFilesystemRoundTrip(t *testing.T) {
	tunables := config.Defaults()
	tunables.SegmentCount = 4
	tunables.SegmentSize = 1000
	tunables.BlockSize = 100
	tunables.DirtyThresholdPct = 10

	c := New(1, 1, newNoopTransport(), tunables)
	defer c.Close()

	fs, err := c.OpenFilesystem("root", t.TempDir()+"/desc.db")
	if err != nil {
		t.Fatalf("OpenFilesystem: %v", err)
	}
	if fs.Usage == nil || fs.DescMap == nil {
		t.Fatalf("expected usage table and descriptor map")
	}

	got, ok := c.Filesystem("root")
	if !ok || got != fs {
		t.Fatalf("expected Filesystem lookup to return the same instance")
	}
}

// Package core wires the Peer Registry, RPC Client, Stream Migration, and
// Segment Usage/Cleaner cores into the single handle Design Notes §9 calls
// for: "Encapsulate in a single Core handle threaded explicitly through the
// components; document lifecycle as initialized once at startup, torn down
// once at shutdown." It mirrors the way the teacher's cmd/minimega wires a
// meshage.Node and an iomeshage.IOMeshage together at process startup
// (cmd/minimega_ref/meshage.go, iomeshage.go) and threads both through the
// rest of the program by value instead of via package-level globals.
package core

import (
	"bytes"
	"context"
	"encoding/gob"

	"golang.org/x/sync/errgroup"

	"github.com/sprited/sprited/internal/config"
	"github.com/sprited/sprited/internal/corelog"
	"github.com/sprited/sprited/internal/lfs"
	"github.com/sprited/sprited/internal/migrate"
	"github.com/sprited/sprited/internal/recov"
	"github.com/sprited/sprited/internal/rpc"
	"github.com/sprited/sprited/internal/wire"
)

// Core is the process-wide handle: the boot-generation counter, channel
// pool, and peer table spec.md's Design Notes call out as global mutable
// state are instead fields reachable only through a Core value.
type Core struct {
	SelfHost int
	BootGen  uint64

	Registry *recov.Registry
	RPC      *rpc.Client

	Tunables config.Tunables

	materializers map[wire.FileIDType]migrate.HandleMaterializer
	resolver      migrate.NameResolver

	filesystems map[string]*Filesystem
}

// Filesystem bundles one log-structured store's segment-usage table and
// descriptor map, the unit spec.md §4.4/§4 calls "a file system instance".
type Filesystem struct {
	Usage   *lfs.Table
	DescMap *lfs.DescMap
}

// New builds a Core for selfHost, wiring the Peer Registry's pinger and
// the RPC Client's transport together so recovery and transport drive each
// other as spec.md §2 requires ("The RPC Client consults the Peer Registry
// on timeouts and congestion... every outbound RPC timeout (death hints)").
func New(selfHost int, bootGen uint64, transport rpc.Transport, tunables config.Tunables) *Core {
	c := &Core{
		SelfHost:      selfHost,
		BootGen:       bootGen,
		Tunables:      tunables,
		materializers: make(map[wire.FileIDType]migrate.HandleMaterializer),
		filesystems:   make(map[string]*Filesystem),
	}

	c.Registry = recov.NewRegistry(tunables, nil)
	c.RPC = rpc.NewClient(selfHost, bootGen, transport, c.Registry, tunables)

	// The registry's pinger is the RPC Client's own ping command, so a
	// liveness probe and an ordinary RPC share the same transport, channel
	// pool, and back-pressure handling (spec.md §4.1 Pinger, §6 "Ping").
	// Wired in after construction since the pinger needs c.RPC, which in
	// turn needs c.Registry to already exist.
	c.Registry.SetPinger(corePinger{c})

	return c
}

// corePinger adapts Core's RPC Client to recov.Pinger.
type corePinger struct{ c *Core }

func (p corePinger) Ping(ctx context.Context, peer int) (uint64, error) {
	reply, err := p.c.RPC.Call(ctx, peer, rpc.CmdPing, nil, nil)
	if err != nil {
		return 0, err
	}
	return reply.Header.BootGen, nil
}

// RegisterMaterializer installs the migration handler for handle type t,
// used by Deencapsulate's mig_end step (spec.md §4.3 step 5).
func (c *Core) RegisterMaterializer(t wire.FileIDType, m migrate.HandleMaterializer) {
	c.materializers[t] = m
}

// SetNameResolver installs the name-info resolver used by Deencapsulate
// step 3.
func (c *Core) SetNameResolver(r migrate.NameResolver) {
	c.resolver = r
}

// Migrate issues the FS_MIGRATE RPC to ioServerHost, implementing
// migrate.IOServerClient over the Core's RPC Client.
func (c *Core) Migrate(ctx context.Context, ioServerHost int, env *wire.MigrationEnvelope) (*wire.MigrationEnvelope, error) {
	params, err := encodeEnvelope(env)
	if err != nil {
		return nil, err
	}
	reply, err := c.RPC.Call(ctx, ioServerHost, rpc.CmdMigrate, params, nil)
	if err != nil {
		return nil, err
	}
	var out wire.MigrationEnvelope
	if err := gob.NewDecoder(bytes.NewReader(reply.Params)).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Deencapsulate is a convenience wrapper around migrate.Deencapsulate using
// this Core's wiring for the I/O server client, materializers, and
// resolver.
func (c *Core) Deencapsulate(ctx context.Context, env *wire.MigrationEnvelope, ioServerHost int, store migrate.StreamStore) (*migrate.Stream, error) {
	return migrate.Deencapsulate(ctx, env, c.SelfHost, ioServerHost, store, c, c.materializers, c.resolver)
}

func encodeEnvelope(env *wire.MigrationEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OpenFilesystem registers a Filesystem under name, creating its descriptor
// map at descPath and a fresh in-memory segment-usage table sized from the
// Core's tunables. Recovery of an existing usage table from a checkpoint
// uses lfs.LoadTable directly and OpenFilesystemWithTable below.
func (c *Core) OpenFilesystem(name, descPath string) (*Filesystem, error) {
	descMap, err := lfs.OpenDescMap(descPath)
	if err != nil {
		return nil, err
	}
	fs := &Filesystem{
		Usage:   lfs.NewTable(c.Tunables.SegmentCount, c.Tunables.SegmentSize, c.Tunables.BlockSize, c.Tunables.DirtyThreshold()),
		DescMap: descMap,
	}
	c.filesystems[name] = fs
	return fs, nil
}

// OpenFilesystemWithTable registers a Filesystem recovered from an existing
// checkpoint image (spec.md §4.4 "Recovery: load the array ... the
// persisted list links and counters are authoritative").
func (c *Core) OpenFilesystemWithTable(name, descPath string, checkpointImage []byte) (*Filesystem, error) {
	descMap, err := lfs.OpenDescMap(descPath)
	if err != nil {
		return nil, err
	}
	table, err := lfs.LoadTable(c.Tunables.SegmentSize, c.Tunables.BlockSize, checkpointImage)
	if err != nil {
		descMap.Close()
		return nil, err
	}
	fs := &Filesystem{Usage: table, DescMap: descMap}
	c.filesystems[name] = fs
	return fs, nil
}

// Filesystem looks up a previously opened filesystem by name.
func (c *Core) Filesystem(name string) (*Filesystem, bool) {
	fs, ok := c.filesystems[name]
	return fs, ok
}

// Close tears down the Core's RPC Client and every open filesystem's
// descriptor map, per Design Notes §9 ("torn down once at shutdown"). The
// filesystems are independent of each other, so their descriptor maps are
// closed concurrently rather than serially.
func (c *Core) Close() {
	c.RPC.Close()

	var g errgroup.Group
	for name, fs := range c.filesystems {
		name, fs := name, fs
		g.Go(func() error {
			if err := fs.DescMap.Close(); err != nil {
				corelog.Error("core: closing descriptor map for %q: %v", name, err)
			}
			return nil
		})
	}
	g.Wait()
}


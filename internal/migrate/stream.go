package migrate

import (
	"context"

	"github.com/sprited/sprited/internal/corelog"
	"github.com/sprited/sprited/internal/wire"
)

// Encapsulate packages a stream for transport to another host (spec.md
// §4.3 "Encapsulate (origin)"). It is side-effect-free: it does not touch
// use counts or local bookkeeping, so it may safely be called twice, e.g.
// to back out an aborted migration.
func Encapsulate(s *Stream, originHost int) *wire.MigrationEnvelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	env := &wire.MigrationEnvelope{
		StreamID:     s.ID,
		HandleID:     s.HandleID,
		Offset:       s.Offset,
		Flags:        s.Flags,
		SourceHostID: originHost,
		NameInfoID:   wire.FileID{Type: wire.NoFileID},
		RootID:       wire.FileID{Type: wire.NoFileID},
	}
	if s.Name != nil {
		env.NameInfoID = s.Name.FileID
		env.RootID = s.Name.RootID
	}
	return env
}

// Deencapsulate is the target side of spec.md §4.3. If the envelope's
// source host is self, the existing local stream is returned with no RPC
// issued and no use-count change (spec.md scenario 6). Otherwise a target
// stream object is allocated, name-info is reconstituted if needed, the
// I/O server is asked to reconcile use counts via FS_MIGRATE, and on first
// reference the type-tagged handler materializes the local I/O handle.
func Deencapsulate(
	ctx context.Context,
	env *wire.MigrationEnvelope,
	selfHost, ioServerHost int,
	store StreamStore,
	ioClient IOServerClient,
	materializers map[wire.FileIDType]HandleMaterializer,
	resolver NameResolver,
) (*Stream, error) {
	if env.SourceHostID == selfHost {
		s, ok := store.Lookup(env.StreamID)
		if !ok {
			return nil, ErrNoSuchFile
		}
		return s, nil
	}

	foundClient := store.HasHandleRef(env.HandleID)
	if !foundClient {
		env.Flags |= wire.FSNewStream
	} else {
		env.Flags &^= wire.FSNewStream
	}

	s := store.Create(env.StreamID, env.HandleID, env.Offset, env.Flags)

	var name *NameInfo
	if !env.NameInfoID.IsNil() {
		var err error
		name, err = resolver.Resolve(ctx, env.NameInfoID, env.RootID)
		if err != nil {
			store.Release(env.StreamID)
			return nil, err
		}
		name.Translate(env.NameInfoID.ServerID == selfHost)
		s.Name = name
	}

	reply, err := ioClient.Migrate(ctx, ioServerHost, env)
	if err != nil {
		store.Release(env.StreamID)
		return nil, err
	}

	s.Flags = reply.Flags
	s.Offset = reply.Offset

	if !foundClient {
		m, ok := materializers[env.HandleID.Type]
		if !ok {
			corelog.Error("migrate: no handler registered for handle type %v", env.HandleID.Type)
			store.Release(env.StreamID)
			return nil, ErrInvalidArg
		}
		if err := m.MigEnd(ctx, env.StreamID, env.HandleID, reply.Opaque); err != nil {
			store.Release(env.StreamID)
			return nil, err
		}
	}

	return s, nil
}

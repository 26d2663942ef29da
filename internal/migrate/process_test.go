package migrate

import (
	"context"
	"testing"

	"github.com/sprited/sprited/internal/wire"
)

type fakePrefixOpener struct {
	calls int
	err   error
	seen  *wire.MigrationEnvelope
}

func (o *fakePrefixOpener) OpenPrefix(ctx context.Context, cwd *wire.MigrationEnvelope) error {
	o.calls++
	o.seen = cwd
	return o.err
}

func envelopeFor(streamID int64, handle wire.FileID) *wire.MigrationEnvelope {
	return &wire.MigrationEnvelope{StreamID: streamID, HandleID: handle, SourceHostID: 1, NameInfoID: wire.FileID{Type: wire.NoFileID}}
}

func TestRestoreProcessResolvesCwdBeforeSlots(t *testing.T) {
	store := newFakeStore()
	opener := &fakePrefixOpener{}
	ioClient := &fakeIOClient{reply: &wire.MigrationEnvelope{Flags: wire.FSRead}}
	mat := &fakeMaterializer{}
	materializers := map[wire.FileIDType]HandleMaterializer{fileHandle.Type: mat}

	cwd := envelopeFor(1, wire.FileID{ServerID: 1, Type: 2, Major: 1})
	pe := &ProcessEnvelope{
		Cwd: cwd,
		Slots: []StreamSlot{
			{Present: true, Index: 0, Envelope: envelopeFor(2, fileHandle)},
			{Present: false, Index: 1},
			{Present: true, Index: 2, Envelope: envelopeFor(3, fileHandle)},
		},
	}

	restored, err := RestoreProcess(context.Background(), pe, 2, 9, opener, store, ioClient, materializers, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if opener.calls != 1 || opener.seen != cwd {
		t.Fatalf("expected OpenPrefix called once with the cwd envelope")
	}
	if len(restored) != 2 {
		t.Fatalf("expected 2 restored streams (empty slot skipped), got %d", len(restored))
	}
	if mat.calls != 1 {
		t.Fatalf("expected mig_end called once (second slot shares the first's handle), got %d", mat.calls)
	}
}

func TestRestoreProcessAbortsOnPrefixFailure(t *testing.T) {
	store := newFakeStore()
	opener := &fakePrefixOpener{err: errTest}
	ioClient := &fakeIOClient{}

	pe := &ProcessEnvelope{
		Cwd:   envelopeFor(1, wire.FileID{ServerID: 1, Type: 2, Major: 1}),
		Slots: []StreamSlot{{Present: true, Index: 0, Envelope: envelopeFor(2, fileHandle)}},
	}

	_, err := RestoreProcess(context.Background(), pe, 2, 9, opener, store, ioClient, nil, nil)
	if err == nil {
		t.Fatalf("expected error from prefix open")
	}
	if ioClient.calls != 0 {
		t.Fatalf("expected no migration RPCs issued once the prefix open fails")
	}
}

func TestRestoreProcessBacksOutOnSlotFailure(t *testing.T) {
	store := newFakeStore()
	opener := &fakePrefixOpener{}
	mat := &fakeMaterializer{}
	materializers := map[wire.FileIDType]HandleMaterializer{fileHandle.Type: mat}

	// First slot succeeds; second slot's handle type has no registered
	// materializer, so Deencapsulate fails and the first slot's stream must
	// be released.
	otherHandle := wire.FileID{ServerID: 1, Type: 99, Major: 1}
	ioClient := &fakeIOClient{reply: &wire.MigrationEnvelope{Flags: wire.FSRead}}

	pe := &ProcessEnvelope{
		Cwd: envelopeFor(1, wire.FileID{ServerID: 1, Type: 2, Major: 1}),
		Slots: []StreamSlot{
			{Present: true, Index: 0, Envelope: envelopeFor(2, fileHandle)},
			{Present: true, Index: 1, Envelope: envelopeFor(3, otherHandle)},
		},
	}

	_, err := RestoreProcess(context.Background(), pe, 2, 9, opener, store, ioClient, materializers, nil)
	if err == nil {
		t.Fatalf("expected error from missing materializer")
	}
	if _, ok := store.Lookup(2); ok {
		t.Fatalf("expected first slot's stream released on later slot failure")
	}
}

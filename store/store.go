// Package store is a single-directory, file-backed transport for the
// cycle package's Publisher/Announcer/BlobRetriever seams: every
// staged blob becomes a file under a version-numbered name, and
// retrieval reads the file through a read-only memory mapping and
// returns a copy of its bytes. Register a *Store with the cycle's
// listener.Fabric (it implements listener.PublishListener and
// listener.CycleListener) so a cycle that fails after staging doesn't
// leak staged files into the next cycle's bundle.
package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/edsrzf/mmap-go"

	"github.com/sediment/sediment/cycle"
	"github.com/sediment/sediment/internal/errs"
	"github.com/sediment/sediment/internal/obslog"
	"github.com/sediment/sediment/listener"
)

// kindOrder is the fixed sequence cycle.Orchestrator publishes
// artifacts in within one cycle (see cycle.encodeAndStage's three
// calls). cycle.Publisher's Stage/Publish carry no kind or version, so
// Store infers an artifact's kind from its position in this sequence
// and learns the version only once Announce names the whole bundle.
var kindOrder = [...]string{"snapshot", "forward", "reverse"}

// fileHandle is the cycle.Handle this store hands back from Stage: a
// staging path Publish moves into the pending bundle.
type fileHandle struct {
	seq        uint64
	stagedPath string
}

// Store is a directory-backed Publisher, Announcer, and
// BlobRetriever. The zero value is not usable; build one with Open.
type Store struct {
	dir string

	seq atomic.Uint64

	mu      sync.Mutex
	pending []string // staged-then-published paths awaiting Announce, in kindOrder
}

// Open prepares dir (creating it if absent) as a blob store.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrapf(errs.ErrMalformedBlob, "store: create dir %q: %v", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) pathFor(kind string, version int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%020d.%s.blob", version, kind))
}

// Stage implements cycle.Publisher: the blob is written to a
// sequence-numbered staging file whose final name is not yet known
// (the version is only learned at Announce).
func (s *Store) Stage(_ context.Context, data []byte) (cycle.Handle, error) {
	seq := s.seq.Add(1)
	staged := filepath.Join(s.dir, fmt.Sprintf("staging-%020d.blob", seq))
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return nil, errs.Wrapf(errs.ErrPublishFailure, "store: stage %q: %v", staged, err)
	}
	return fileHandle{seq: seq, stagedPath: staged}, nil
}

// Publish queues a staged blob into the current bundle, in the order
// Publish is called. The bundle is only given real, retrievable names
// once Announce supplies the version it belongs to.
func (s *Store) Publish(_ context.Context, h cycle.Handle) error {
	fh, ok := h.(fileHandle)
	if !ok {
		return errs.Wrap(errs.ErrPublishFailure, "store: handle not produced by this store")
	}
	s.mu.Lock()
	s.pending = append(s.pending, fh.stagedPath)
	s.mu.Unlock()
	return nil
}

// Announce assigns version to every blob staged and published since
// the last Announce (or since Open), renaming each into its
// version+kind final name in kindOrder, then atomically flips the
// CURRENT pointer.
func (s *Store) Announce(_ context.Context, version int64) error {
	s.mu.Lock()
	bundle := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(bundle) != len(kindOrder) {
		return errs.Wrapf(errs.ErrAnnounceFailure, "store: expected %d staged artifacts for version %d, got %d", len(kindOrder), version, len(bundle))
	}
	for i, staged := range bundle {
		final := s.pathFor(kindOrder[i], version)
		if err := os.Rename(staged, final); err != nil {
			return errs.Wrapf(errs.ErrAnnounceFailure, "store: finalize %q: %v", final, err)
		}
	}

	ptr := filepath.Join(s.dir, "CURRENT")
	tmp := ptr + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatInt(version, 10)), 0o644); err != nil {
		return errs.Wrapf(errs.ErrAnnounceFailure, "store: write pointer: %v", err)
	}
	if err := os.Rename(tmp, ptr); err != nil {
		return errs.Wrapf(errs.ErrAnnounceFailure, "store: rename pointer: %v", err)
	}
	obslog.L().Infow("announced version", "version", version)
	return nil
}

// OnPublishStart implements listener.PublishListener; Store registers
// itself as a listener so a failed publish stage discards whatever it
// staged rather than leaking into the next cycle's bundle (cycle's
// Publisher interface has no explicit abort call, so this is the only
// signal Store gets that a bundle was abandoned mid-flight).
func (s *Store) OnPublishStart(int64) {}

// OnPublishComplete implements listener.PublishListener.
func (s *Store) OnPublishComplete(status listener.Status) {
	if status.Success {
		return
	}
	s.mu.Lock()
	bundle := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, path := range bundle {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			obslog.L().Warnw("store: failed to clean up abandoned staged blob", "path", path, "err", err)
		}
	}
}

// OnArtifactPublish implements listener.PublishListener (no-op: Store
// already knows about each artifact via its own Publish method).
func (s *Store) OnArtifactPublish(int64, string) {}

// OnCycleStart implements listener.CycleListener (no-op).
func (s *Store) OnCycleStart(int64) {}

// OnCycleSkip implements listener.CycleListener (no-op).
func (s *Store) OnCycleSkip(string) {}

// OnCycleComplete implements listener.CycleListener: a cycle that
// failed after a successful publish stage (integrity check, validation)
// leaves its bundle pending, and it is discarded here the same way.
func (s *Store) OnCycleComplete(status listener.Status) { s.OnPublishComplete(status) }

// CurrentVersion reads the CURRENT pointer file, or 0 if none has
// been announced yet.
func (s *Store) CurrentVersion() (int64, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, "CURRENT"))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrapf(errs.ErrMalformedBlob, "store: read pointer: %v", err)
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, errs.Wrapf(errs.ErrMalformedBlob, "store: malformed pointer: %v", err)
	}
	return v, nil
}

// RetrieveSnapshot implements cycle.BlobRetriever.
func (s *Store) RetrieveSnapshot(_ context.Context, version int64) ([]byte, error) {
	return s.readMapped(s.pathFor("snapshot", version))
}

// RetrieveDelta implements cycle.BlobRetriever (forward delta).
func (s *Store) RetrieveDelta(_ context.Context, fromVersion int64) ([]byte, error) {
	return s.readMapped(s.pathFor("forward", fromVersion))
}

// RetrieveReverseDelta implements cycle.BlobRetriever.
func (s *Store) RetrieveReverseDelta(_ context.Context, fromVersion int64) ([]byte, error) {
	return s.readMapped(s.pathFor("reverse", fromVersion))
}

// readMapped mmaps path read-only and copies it out; the mapping is
// released before returning since the caller only needs the bytes,
// but the copy itself is filled from the page cache via mmap rather
// than a buffered read syscall loop.
func (s *Store) readMapped(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrMalformedBlob, "store: open %q: %v", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.Wrapf(errs.ErrMalformedBlob, "store: stat %q: %v", path, err)
	}
	if info.Size() == 0 {
		return nil, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrMalformedBlob, "store: mmap %q: %v", path, err)
	}
	defer m.Unmap()

	out := make([]byte, len(m))
	copy(out, m)
	return out, nil
}

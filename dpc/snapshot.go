package dpc

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/mendersoftware/payloadcore/extent"
)

// fileCowWriter is a file-backed stand-in for a real Virtual-A/B
// dm-snapshot COW: an append-only writer plus a reader that only sees
// finalized bytes, matching the "write, then re-open to read" model
// spec.md §3 describes for the real kernel snapshot. It satisfies both
// extent.CowWriter and extent.CowReaderOpener so a *fileCowWriter can back
// an extent.CowWriterFileDescriptor directly.
type fileCowWriter struct {
	mu        sync.Mutex
	path      string
	f         *os.File
	finalized bool
}

// newFileCowWriter always opens its backing file in append mode. The real
// dm-snapshot COW this stands in for has no concept of "open for
// overwrite" distinct from "open for append" — every write lands after the
// snapshot's current tail regardless of what the caller requested
// (spec.md §9's Open Question on OpenCowWriter's is_append parameter), so
// appendTo is honored when true and otherwise only logged about, never
// acted on.
func newFileCowWriter(path string, appendTo bool) (*fileCowWriter, error) {
	if !appendTo {
		log.WithField("path", path).Warn("dpc: OpenCowWriter called with is_append=false, opening append-only anyway")
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	f, err := os.OpenFile(path, flags, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "dpc: failed to open COW backing file %s", path)
	}
	return &fileCowWriter{path: path, f: f}, nil
}

func (w *fileCowWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return 0, errors.New("dpc: write to a finalized COW writer")
	}
	return w.f.Write(p)
}

// Finalize seals the writer, matching SnapshotManager::FinishedSnapshotWrites
// sealing every open snapshot (spec.md §4.1's WritesFinalized state).
func (w *fileCowWriter) Finalize() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.finalized {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		return errors.Wrapf(err, "dpc: failed to sync COW %s", w.path)
	}
	if err := w.f.Close(); err != nil {
		return errors.Wrapf(err, "dpc: failed to close COW %s", w.path)
	}
	w.finalized = true
	return nil
}

// OpenReader opens a fresh read-only handle over the COW's current
// contents, called by extent.CowWriterFileDescriptor on the first read
// after a write.
func (w *fileCowWriter) OpenReader() (*os.File, error) {
	return os.Open(w.path)
}

func (w *fileCowWriter) cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f != nil && !w.finalized {
		w.f.Close()
	}
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", w.path).Warn("dpc: failed to remove cancelled COW")
	}
}

// snapshotManager tracks every COW writer opened for the current update,
// the way DynamicPartitionControlAndroid tracks mapped_devices_ in
// dynamic_partition_control_android.cc, except here the tracked objects
// are snapshot writers rather than device-mapper nodes.
type snapshotManager struct {
	dir     string
	mu      sync.Mutex
	writers map[string]*fileCowWriter
}

func newSnapshotManager(dir string) *snapshotManager {
	return &snapshotManager{dir: dir, writers: make(map[string]*fileCowWriter)}
}

func (s *snapshotManager) beginUpdate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers = make(map[string]*fileCowWriter)
}

func (s *snapshotManager) open(name string, appendTo bool) (*extent.CowWriterFileDescriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.writers[name]; ok {
		return nil, errors.Errorf("dpc: OpenCowWriter called twice for %q without an intervening FinishUpdate", name)
	}
	w, err := newFileCowWriter(filepath.Join(s.dir, name+".cow"), appendTo)
	if err != nil {
		return nil, err
	}
	s.writers[name] = w
	return extent.NewCowWriterFileDescriptor(w, w), nil
}

func (s *snapshotManager) finishedWrites() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, w := range s.writers {
		if err := w.Finalize(); err != nil {
			return errors.Wrapf(err, "dpc: failed to finalize snapshot for %q", name)
		}
	}
	return nil
}

func (s *snapshotManager) cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.writers {
		w.cancel()
	}
	s.writers = make(map[string]*fileCowWriter)
}

package prefs

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// Key names are exactly as given in spec.md §6.3.
const (
	KeyNextOperationIndex = "update-state-next-operation"
	KeyNextDataOffset     = "update-state-next-data-offset"
	KeyPayloadIndex       = "update-state-payload-index"
	KeyManifestMetaSize   = "manifest-metadata-size"
	KeyManifestSigSize    = "manifest-signature-size"
	KeyManifestBytes      = "manifest-bytes"
	KeySha256Context      = "update-state-sha256-context"
	KeyPowerwashRequired  = "powerwash-required"
)

var resumeKeys = []string{
	KeyNextOperationIndex,
	KeyNextDataOffset,
	KeyPayloadIndex,
	KeyManifestMetaSize,
	KeyManifestSigSize,
	KeyManifestBytes,
	KeySha256Context,
	KeyPowerwashRequired,
}

func (s *Store) getUint64(key string) (uint64, bool, error) {
	raw, err := s.Get(key)
	if err != nil {
		if isNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if len(raw) != 8 {
		return 0, false, errors.Errorf("prefs: key %q has invalid length %d for uint64", key, len(raw))
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

func (s *Store) setUint64(key string, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return s.Set(key, buf)
}

// getUint64Default reads the given key as a uint64, returning def if unset.
func (s *Store) getUint64Default(key string, def uint64) (uint64, error) {
	v, ok, err := s.getUint64(key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// NextOperationIndex / SetNextOperationIndex persist the Delta Performer's
// ReadOperations resume position (spec.md §4.2.4).
func (s *Store) NextOperationIndex() (uint64, error) {
	return s.getUint64Default(KeyNextOperationIndex, 0)
}

func (s *Store) SetNextOperationIndex(v uint64) error {
	return s.setUint64(KeyNextOperationIndex, v)
}

// NextDataOffset / SetNextDataOffset persist the byte offset into the
// operation-data region the performer will resume reading from.
func (s *Store) NextDataOffset() (uint64, error) {
	return s.getUint64Default(KeyNextDataOffset, 0)
}

func (s *Store) SetNextDataOffset(v uint64) error {
	return s.setUint64(KeyNextDataOffset, v)
}

// PayloadIndex / SetPayloadIndex persist which payload (for multi-payload,
// e.g. partial + full, updates) is currently being applied.
func (s *Store) PayloadIndex() (uint64, error) {
	return s.getUint64Default(KeyPayloadIndex, 0)
}

func (s *Store) SetPayloadIndex(v uint64) error {
	return s.setUint64(KeyPayloadIndex, v)
}

// ManifestSizes / SetManifestSizes persist the cached manifest's metadata
// and signature sizes, used by ReadManifest to decide whether a cached
// manifest can be reused without a network read (spec.md §4.2.2).
func (s *Store) ManifestSizes() (metaSize, sigSize uint64, ok bool, err error) {
	metaSize, ok1, err := s.getUint64(KeyManifestMetaSize)
	if err != nil {
		return 0, 0, false, err
	}
	sigSize, ok2, err := s.getUint64(KeyManifestSigSize)
	if err != nil {
		return 0, 0, false, err
	}
	return metaSize, sigSize, ok1 && ok2, nil
}

func (s *Store) SetManifestSizes(metaSize, sigSize uint64) error {
	if err := s.setUint64(KeyManifestMetaSize, metaSize); err != nil {
		return err
	}
	return s.setUint64(KeyManifestSigSize, sigSize)
}

// ManifestBytes / SetManifestBytes cache the raw manifest bytes so a
// resumed update can validate its signature without re-fetching it.
func (s *Store) ManifestBytes() ([]byte, error) {
	raw, err := s.Get(KeyManifestBytes)
	if isNotExist(err) {
		return nil, nil
	}
	return raw, err
}

func (s *Store) SetManifestBytes(b []byte) error {
	return s.Set(KeyManifestBytes, b)
}

// Sha256Context / SetSha256Context persist the running whole-payload
// SHA-256 hasher state across a resume (spec.md §4.2, "resume-state
// representation" design note: carry the serialized hash state, not just
// position, so a resumed download still produces a correct end-to-end
// hash).
func (s *Store) Sha256Context() ([]byte, error) {
	raw, err := s.Get(KeySha256Context)
	if isNotExist(err) {
		return nil, nil
	}
	return raw, err
}

func (s *Store) SetSha256Context(b []byte) error {
	return s.Set(KeySha256Context, b)
}

// PowerwashRequired / SetPowerwashRequired track whether the in-progress
// update requires a data-partition wipe on next boot.
func (s *Store) PowerwashRequired() (bool, error) {
	raw, err := s.Get(KeyPowerwashRequired)
	if isNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return len(raw) == 1 && raw[0] == 1, nil
}

func (s *Store) SetPowerwashRequired(v bool) error {
	if v {
		return s.Set(KeyPowerwashRequired, []byte{1})
	}
	return s.Set(KeyPowerwashRequired, []byte{0})
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// Package manifest parses the payload file format described in spec.md
// §6.1: the fixed header, the protobuf-encoded manifest, and the
// InstallOperation list each partition carries. Field numbers for the wire
// format follow the update_metadata.proto schema this system is modeled on.
package manifest

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

const (
	// Magic is the 4-byte payload file signature.
	Magic = "CrAU"

	// MaxHeaderSize is the fixed header size for major version 2, per
	// spec.md §6.1 (kMaxPayloadHeaderSize in the original).
	MaxHeaderSize = 24

	// BrilloMajorVersion is the only supported major payload version.
	BrilloMajorVersion uint64 = 2

	// MinMinorVersion and MaxMinorVersion bound the accepted
	// minor_version range declared inside the manifest (spec.md §6.1).
	MinMinorVersion uint32 = 2
	MaxMinorVersion uint32 = 7
)

// Header is the fixed-size prefix of a payload file.
type Header struct {
	MajorVersion        uint64
	ManifestSize        uint64
	ManifestSigSize      uint32
}

// ReadHeader reads and validates the 24-byte fixed header from r. It
// corresponds to the Delta Performer's ReadHeader state (spec.md §4.2.1).
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, MaxHeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "manifest: failed to read payload header")
	}

	if string(buf[0:4]) != Magic {
		return nil, errors.Errorf("manifest: bad payload magic %q, want %q (PayloadMismatchedType)", buf[0:4], Magic)
	}

	major := binary.BigEndian.Uint64(buf[4:12])
	if major != BrilloMajorVersion {
		return nil, errors.Errorf("manifest: unsupported major version %d (PayloadMismatchedType)", major)
	}

	manifestSize := binary.BigEndian.Uint64(buf[12:20])
	sigSize := binary.BigEndian.Uint32(buf[20:24])

	return &Header{
		MajorVersion:    major,
		ManifestSize:    manifestSize,
		ManifestSigSize: sigSize,
	}, nil
}

// Bytes serializes the header back to its 24-byte wire form. Used by tests
// and by callers assembling a payload for round-trip verification.
func (h *Header) Bytes() []byte {
	buf := make([]byte, MaxHeaderSize)
	copy(buf[0:4], Magic)
	binary.BigEndian.PutUint64(buf[4:12], h.MajorVersion)
	binary.BigEndian.PutUint64(buf[12:20], h.ManifestSize)
	binary.BigEndian.PutUint32(buf[20:24], h.ManifestSigSize)
	return buf
}

// ValidateMinorVersion enforces the [2..7] accepted range from spec.md
// §6.1, returning UnsupportedMinorPayloadVersion-equivalent error text.
func ValidateMinorVersion(v uint32) error {
	if v < MinMinorVersion || v > MaxMinorVersion {
		return errors.Errorf("manifest: unsupported minor_version %d, want [%d..%d] (UnsupportedMinorPayloadVersion)",
			v, MinMinorVersion, MaxMinorVersion)
	}
	return nil
}

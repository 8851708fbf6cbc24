package payload

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Signatures is the logical shape of both the manifest-signatures and the
// trailing payload-signatures blobs (spec.md §6.1): a repeated Signature
// message, each carrying an opaque data field. Only the data field is
// decoded here; any other field a Signature message might carry (version,
// hinted size, elliptic-curve variant) is skipped, matching how
// manifest/wire.go treats fields this module has no use for.
const (
	fieldSignaturesEntries = 1
	fieldSignatureData     = 2
)

// parseSignatures decodes a Signatures blob into its raw signature byte
// strings. An empty buf yields a nil, empty slice (no signatures present).
func parseSignatures(buf []byte) ([][]byte, error) {
	var out [][]byte
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.New("payload: bad signatures tag")
		}
		buf = buf[n:]
		switch num {
		case fieldSignaturesEntries:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.New("payload: bad signatures.signatures entry")
			}
			data, err := parseSignatureEntry(v)
			if err != nil {
				return nil, err
			}
			if data != nil {
				out = append(out, data)
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errors.New("payload: bad signatures field")
			}
			buf = buf[n:]
		}
	}
	return out, nil
}

func parseSignatureEntry(buf []byte) ([]byte, error) {
	var data []byte
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, errors.New("payload: bad signature tag")
		}
		buf = buf[n:]
		switch num {
		case fieldSignatureData:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, errors.New("payload: bad signature.data")
			}
			data = append([]byte(nil), v...)
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, errors.New("payload: bad signature field")
			}
			buf = buf[n:]
		}
	}
	return data, nil
}

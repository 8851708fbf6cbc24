package payload

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// Verifier checks a payload-level signature against a device public key,
// adapted from the teacher's vendored mender-artifact/artifact.Verifier
// seam (RSA-only here: the payload format's metadata and payload
// signatures are RSA/PKCS1v15-over-SHA256, unlike mender-artifact's
// RSA-or-ECDSA choice).
type Verifier interface {
	Verify(message, sig []byte) error
}

// RSAVerifier verifies PKCS1v15 signatures against an RSA public key
// supplied as a PEM-encoded X.509 SubjectPublicKeyInfo block, mirroring
// getKeyAndVerifyMethod's PEM/X.509 parsing in the teacher's signer.go.
type RSAVerifier struct {
	key *rsa.PublicKey
}

// NewRSAVerifier parses a PEM-encoded public key block.
func NewRSAVerifier(publicKeyPEM []byte) (*RSAVerifier, error) {
	block, _ := pem.Decode(publicKeyPEM)
	if block == nil {
		return nil, errors.New("payload: failed to parse public key PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "payload: failed to parse public key")
	}
	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("payload: public key is not RSA")
	}
	return &RSAVerifier{key: rsaKey}, nil
}

// Verify checks sig against sha256(message).
func (v *RSAVerifier) Verify(message, sig []byte) error {
	h := sha256.Sum256(message)
	return rsa.VerifyPKCS1v15(v.key, crypto.SHA256, h[:], sig)
}

// DigestVerifier is satisfied by verifiers that can check a signature
// against an already-computed digest, letting a caller stream-hash a large
// region (the whole-payload hash in ReadSignatures, spec.md §4.2 state 5)
// without holding it in memory. Optional: callers type-assert for it and
// fall back to Verify when unsupported.
type DigestVerifier interface {
	VerifyDigest(digest, sig []byte) error
}

// VerifyDigest checks sig against a pre-computed SHA-256 digest.
func (v *RSAVerifier) VerifyDigest(digest, sig []byte) error {
	return rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest, sig)
}

// RSASigner produces PKCS1v15 signatures, used only by this module's test
// fixtures to build realistic signed payloads without a real device key.
type RSASigner struct {
	key *rsa.PrivateKey
}

func NewRSASigner(key *rsa.PrivateKey) *RSASigner {
	return &RSASigner{key: key}
}

func (s *RSASigner) Sign(message []byte) ([]byte, error) {
	h := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, h[:])
}

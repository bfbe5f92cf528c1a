package signer

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// Signer signs audit chain hashes.
type Signer interface {
	// Sign signs hash and returns (signature, signerID, error).
	Sign(hash []byte) (sig []byte, signerID string, err error)

	// PublicKey returns the verification key bytes.
	PublicKey() []byte
}

// LocalSigner is an in-process Ed25519 signer.
type LocalSigner struct {
	priv     ed25519.PrivateKey
	pub      ed25519.PublicKey
	signerID string
}

// NewLocalSigner generates a fresh keypair. Events it signs cannot be verified after a restart,
// so deployments should configure a key with FromBase64.
func NewLocalSigner(signerID string) *LocalSigner {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	return &LocalSigner{priv: priv, pub: pub, signerID: signerID}
}

// FromBase64 builds a signer from a base64 encoded 32-byte seed or 64-byte private key.
func FromBase64(signerID, encoded string) (*LocalSigner, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode signer key: %w", err)
	}
	var priv ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("signer key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
	return &LocalSigner{
		priv:     priv,
		pub:      priv.Public().(ed25519.PublicKey),
		signerID: signerID,
	}, nil
}

func (l *LocalSigner) Sign(hash []byte) ([]byte, string, error) {
	if l.priv == nil {
		return nil, "", errors.New("local signer: private key not initialized")
	}
	return ed25519.Sign(l.priv, hash), l.signerID, nil
}

func (l *LocalSigner) PublicKey() []byte {
	return l.pub
}

// ID returns the logical signer id stamped on every event.
func (l *LocalSigner) ID() string {
	return l.signerID
}

// Verify checks sig over hash with an Ed25519 public key.
func Verify(pub, hash, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), hash, sig)
}

// Package identity manages the device's Ed25519 keypair and the device ID
// derived from it.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"cirrusd/internal/event"
)

// Errors
var (
	ErrInvalidKeyFormat = errors.New("identity: invalid key format")
	ErrUnsupportedKey   = errors.New("identity: unsupported key type (expected Ed25519)")
	ErrKeyEncrypted     = errors.New("identity: key is encrypted (passphrase required)")
)

// Identity is a device's signing identity. The device ID is the truncated
// SHA-256 fingerprint of the public key, so a device cannot claim an ID it
// does not hold the key for.
type Identity struct {
	priv ed25519.PrivateKey
}

// Fingerprint derives the device ID for an Ed25519 public key.
func Fingerprint(pub ed25519.PublicKey) event.DeviceID {
	sum := sha256.Sum256(pub)
	var d event.DeviceID
	copy(d[:], sum[:event.DeviceIDSize])
	return d
}

// Generate creates a fresh identity.
func Generate() (*Identity, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &Identity{priv: priv}, nil
}

// LoadOrGenerate loads the key at path, creating and persisting a new one
// if the file does not exist. New keys are written as raw 32-byte seeds
// with owner-only permissions.
func LoadOrGenerate(path string) (*Identity, error) {
	id, err := Load(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	id, err = Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("identity: create key directory: %w", err)
	}
	if err := os.WriteFile(path, id.priv.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("identity: write key: %w", err)
	}
	return id, nil
}

// Load reads an Ed25519 private key from file. Supports raw 32-byte seeds,
// raw 64-byte private keys and OpenSSH format.
func Load(path string) (*Identity, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if len(keyData) == ed25519.SeedSize {
		return &Identity{priv: ed25519.NewKeyFromSeed(keyData)}, nil
	}
	if len(keyData) == ed25519.PrivateKeySize {
		return &Identity{priv: ed25519.PrivateKey(keyData)}, nil
	}

	priv, err := parseOpenSSHKey(keyData)
	if err != nil {
		return nil, err
	}
	return &Identity{priv: priv}, nil
}

func parseOpenSSHKey(keyData []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, ErrInvalidKeyFormat
	}

	parsedKey, err := ssh.ParseRawPrivateKey(keyData)
	if err != nil {
		if _, ok := err.(*ssh.PassphraseMissingError); ok {
			return nil, ErrKeyEncrypted
		}
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}

	switch k := parsedKey.(type) {
	case *ed25519.PrivateKey:
		return *k, nil
	case ed25519.PrivateKey:
		return k, nil
	default:
		return nil, fmt.Errorf("%w: got %T", ErrUnsupportedKey, parsedKey)
	}
}

// Device returns the device ID derived from the public key.
func (i *Identity) Device() event.DeviceID {
	return Fingerprint(i.Public())
}

// Public returns the public key.
func (i *Identity) Public() ed25519.PublicKey {
	return i.priv.Public().(ed25519.PublicKey)
}

// Sign produces a 64-byte Ed25519 signature over msg.
func (i *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(i.priv, msg)
}

// Verify checks an Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

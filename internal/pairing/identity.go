// Package pairing owns the daemon's transport identity and the pairing
// offer a fresh client needs to reach it: a nacl box keypair persisted under
// $PASEO_HOME, a stable serverId derived from the public key, and the offer
// URL encoding.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

const identityFileName = "identity.json"

// Identity is the daemon's persistent keypair. ServerID is derived from the
// public key, so it survives restarts as long as the key file does.
type Identity struct {
	PublicKey  [32]byte
	PrivateKey [32]byte
	ServerID   string
}

type identityFile struct {
	PublicKeyB64  string `json:"public_key_b64"`
	PrivateKeyB64 string `json:"private_key_b64"`
}

// PublicKeyB64 returns the base64 public key as carried in pairing offers.
func (i *Identity) PublicKeyB64() string {
	return base64.StdEncoding.EncodeToString(i.PublicKey[:])
}

// serverIDFor derives the stable server id from a public key.
func serverIDFor(publicKey [32]byte) string {
	sum := sha256.Sum256(publicKey[:])
	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(sum[:10])
	return "srv_" + enc
}

// LoadOrCreateIdentity reads the keypair under home, generating and
// persisting a fresh one on first run. The key file is written 0600.
func LoadOrCreateIdentity(home string) (*Identity, error) {
	path := filepath.Join(home, identityFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		return parseIdentity(data)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	file := identityFile{
		PublicKeyB64:  base64.StdEncoding.EncodeToString(pub[:]),
		PrivateKeyB64: base64.StdEncoding.EncodeToString(priv[:]),
	}
	encoded, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create home directory: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}

	return &Identity{
		PublicKey:  *pub,
		PrivateKey: *priv,
		ServerID:   serverIDFor(*pub),
	}, nil
}

func parseIdentity(data []byte) (*Identity, error) {
	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("malformed identity file: %w", err)
	}

	pub, err := decodeKey(file.PublicKeyB64)
	if err != nil {
		return nil, fmt.Errorf("malformed public key: %w", err)
	}
	priv, err := decodeKey(file.PrivateKeyB64)
	if err != nil {
		return nil, fmt.Errorf("malformed private key: %w", err)
	}

	return &Identity{
		PublicKey:  pub,
		PrivateKey: priv,
		ServerID:   serverIDFor(pub),
	}, nil
}

func decodeKey(b64 string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return key, err
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("key must be 32 bytes, got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// SPDX-License-Identifier: MPL-2.0

package sshserver

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	gossh "golang.org/x/crypto/ssh"
)

// KeyPair is an ed25519 key in both signer and OpenSSH PEM form.
type KeyPair struct {
	Signer gossh.Signer
	PEM    []byte
}

// GenerateKey creates a fresh ed25519 key pair.
func GenerateKey() (*KeyPair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	block, err := gossh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	return &KeyPair{Signer: signer, PEM: pem.EncodeToMemory(block)}, nil
}

// PublicKey returns the public half.
func (k *KeyPair) PublicKey() gossh.PublicKey {
	return k.Signer.PublicKey()
}

// WriteIdentityFile stores the private key as dir/name with mode 0600, the
// way ssh-keygen would, and returns its path.
func (k *KeyPair) WriteIdentityFile(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, k.PEM, 0o600); err != nil {
		return "", fmt.Errorf("write identity file: %w", err)
	}
	return path, nil
}

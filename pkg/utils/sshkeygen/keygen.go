package sshkeygen

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// EnsureEd25519KeyPair writes an ed25519 key pair to privateKeyPath and privateKeyPath.pub
// unless the private key already exists. It returns the authorized_keys line for the pair and
// whether a new key was generated.
func EnsureEd25519KeyPair(privateKeyPath string) (string, bool, error) {
	publicKeyPath := privateKeyPath + ".pub"

	if existing, err := os.ReadFile(privateKeyPath); err == nil {
		signer, err := ssh.ParsePrivateKey(existing)
		if err != nil {
			return "", false, fmt.Errorf("existing key %s is unreadable: %w", privateKeyPath, err)
		}
		return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", false, fmt.Errorf("failed to read private key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(privateKeyPath), 0o700); err != nil {
		return "", false, fmt.Errorf("failed to create key directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", false, fmt.Errorf("failed to generate key pair: %w", err)
	}

	privKeyPEM, err := ssh.MarshalPrivateKey(privKey, "flowcanvas-companion")
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal private key: %w", err)
	}
	if err := os.WriteFile(privateKeyPath, pem.EncodeToMemory(privKeyPEM), 0o600); err != nil {
		return "", false, fmt.Errorf("failed to write private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		return "", false, fmt.Errorf("failed to create public key: %w", err)
	}
	authorized := ssh.MarshalAuthorizedKey(sshPubKey)
	if err := os.WriteFile(publicKeyPath, authorized, 0o644); err != nil {
		return "", false, fmt.Errorf("failed to write public key: %w", err)
	}

	return string(authorized), true, nil
}

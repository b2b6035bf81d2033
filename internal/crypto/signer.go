// Package crypto holds the Ed25519 key handling for attestation signing.
// The private key belongs to the validator principal only; the gateway
// process must never be able to read it.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
)

const (
	privateKeyType = "ED25519 PRIVATE KEY"
	publicKeyType  = "ED25519 PUBLIC KEY"
)

// GenerateKeys creates a fresh Ed25519 keypair and writes both halves as
// PEM. The private key file is written 0600.
func GenerateKeys(privateKeyPath, publicKeyPath string) error {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate keypair: %w", err)
	}

	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  privateKeyType,
		Bytes: privateKey,
	})
	if err := os.WriteFile(privateKeyPath, privatePEM, 0o600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}

	publicPEM := pem.EncodeToMemory(&pem.Block{
		Type:  publicKeyType,
		Bytes: publicKey,
	})
	if err := os.WriteFile(publicKeyPath, publicPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	return nil
}

// LoadPrivateKey reads an Ed25519 private key from PEM.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type != privateKeyType {
		return nil, fmt.Errorf("invalid key type: expected %s, got %s", privateKeyType, block.Type)
	}

	key := ed25519.PrivateKey(block.Bytes)
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid private key size")
	}
	return key, nil
}

// LoadPublicKey reads an Ed25519 public key from PEM.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	keyData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key: %w", err)
	}

	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type != publicKeyType {
		return nil, fmt.Errorf("invalid key type: expected %s, got %s", publicKeyType, block.Type)
	}

	key := ed25519.PublicKey(block.Bytes)
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key size")
	}
	return key, nil
}

// Sign signs data with the private key stored at privateKeyPath.
func Sign(data []byte, privateKeyPath string) ([]byte, error) {
	key, err := LoadPrivateKey(privateKeyPath)
	if err != nil {
		return nil, err
	}
	return ed25519.Sign(key, data), nil
}

// Verify checks the signature over data using the public key stored at
// publicKeyPath.
func Verify(data, signature []byte, publicKeyPath string) (bool, error) {
	key, err := LoadPublicKey(publicKeyPath)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(key, data, signature), nil
}

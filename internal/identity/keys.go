package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const (
	privateKeyPEMType = "PRIVATE KEY"
	publicKeyPEMType  = "PUBLIC KEY"
)

// ErrInvalidKey indicates PEM material that does not contain an Ed25519 key.
var ErrInvalidKey = errors.New("invalid key material")

// Keypair holds an instance's Ed25519 keys. The private key never leaves the
// process that loaded it.
type Keypair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Generate creates a fresh Ed25519 keypair.
func Generate() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return Keypair{Private: priv, Public: pub}, nil
}

// Load reads a PEM-encoded keypair from disk.
func Load(privatePath, publicPath string) (Keypair, error) {
	privPEM, err := os.ReadFile(privatePath)
	if err != nil {
		return Keypair{}, fmt.Errorf("read private key: %w", err)
	}
	pubPEM, err := os.ReadFile(publicPath)
	if err != nil {
		return Keypair{}, fmt.Errorf("read public key: %w", err)
	}

	priv, err := ParsePrivatePEM(privPEM)
	if err != nil {
		return Keypair{}, err
	}
	pub, err := ParsePublicPEM(pubPEM)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{Private: priv, Public: pub}, nil
}

// Save writes the keypair to disk in PEM form. The private key file is
// created owner-readable only.
func (k Keypair) Save(privatePath, publicPath string) error {
	privPEM, err := EncodePrivatePEM(k.Private)
	if err != nil {
		return err
	}
	pubPEM, err := EncodePublicPEM(k.Public)
	if err != nil {
		return err
	}
	if err := os.WriteFile(privatePath, privPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(publicPath, pubPEM, 0o644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// PublicPEM returns the PEM encoding of the public key, the form distributed
// through the registry.
func (k Keypair) PublicPEM() (string, error) {
	pemBytes, err := EncodePublicPEM(k.Public)
	if err != nil {
		return "", err
	}
	return string(pemBytes), nil
}

// EncodePrivatePEM serializes an Ed25519 private key as PKCS8 PEM.
func EncodePrivatePEM(key ed25519.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der}), nil
}

// EncodePublicPEM serializes an Ed25519 public key as PKIX PEM.
func EncodePublicPEM(key ed25519.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}), nil
}

// ParsePrivatePEM decodes a PKCS8 PEM Ed25519 private key.
func ParsePrivatePEM(data []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privateKeyPEMType {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	key, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// ParsePublicPEM decodes a PKIX PEM Ed25519 public key.
func ParsePublicPEM(data []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicKeyPEMType {
		return nil, ErrInvalidKey
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, ErrInvalidKey
	}
	return key, nil
}

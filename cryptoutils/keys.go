package cryptoutils

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// SignerPubkey represents the audit signer's public key in PEM format.
type SignerPubkey []byte

// NewSignerPubkey creates a new public key object from PEM-encoded data with validation.
func NewSignerPubkey(data []byte) (SignerPubkey, error) {
	// Validate PEM format
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PUBLIC KEY" && block.Type != "RSA PUBLIC KEY") {
		return SignerPubkey{}, errors.New("invalid public key: not in PEM format or not a public key")
	}

	// Validate public key structure
	if _, err := parseRSAPublicKey(block); err != nil {
		return SignerPubkey{}, fmt.Errorf("invalid public key structure: %w", err)
	}

	return SignerPubkey(data), nil
}

// Validate checks if the public key is properly formed.
func (pub SignerPubkey) Validate() error {
	_, err := NewSignerPubkey(pub)
	return err
}

// GetPublicKey returns the parsed RSA public key.
func (pub SignerPubkey) GetPublicKey() (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return parseRSAPublicKey(block)
}

func parseRSAPublicKey(block *pem.Block) (*rsa.PublicKey, error) {
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}

	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key: %T", parsed)
	}
	return rsaKey, nil
}

// SignerPrivkey represents the audit signer's private key in PEM format.
type SignerPrivkey []byte

// NewSignerPrivkey creates a new private key object from PEM-encoded data with validation.
func NewSignerPrivkey(data []byte) (SignerPrivkey, error) {
	// Validate PEM format
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "RSA PRIVATE KEY") {
		return SignerPrivkey{}, errors.New("invalid private key: not in PEM format or not a private key")
	}

	if _, err := parseRSAPrivateKey(block); err != nil {
		return SignerPrivkey{}, fmt.Errorf("invalid private key structure: %w", err)
	}

	return SignerPrivkey(data), nil
}

// Validate checks if the private key is properly formed.
func (priv SignerPrivkey) Validate() error {
	_, err := NewSignerPrivkey(priv)
	return err
}

// GetPrivateKey returns the parsed RSA private key.
func (priv SignerPrivkey) GetPrivateKey() (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(priv)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	return parseRSAPrivateKey(block)
}

// GetPublicKeyPEM derives the PEM-encoded public key from the private key.
func (priv SignerPrivkey) GetPublicKeyPEM() (SignerPubkey, error) {
	key, err := priv.GetPrivateKey()
	if err != nil {
		return nil, err
	}

	pubKeyBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	}), nil
}

func parseRSAPrivateKey(block *pem.Block) (*rsa.PrivateKey, error) {
	// Try to parse it as a PKCS8 private key
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA private key: %T", key)
		}
		return rsaKey, nil
	}

	// Try to parse it as a PKCS1 private key
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("failed to parse private key")
	}
	return key, nil
}

// EncodePrivateKeyPEM encodes an RSA private key in PKCS8 PEM format.
func EncodePrivateKeyPEM(key *rsa.PrivateKey) (SignerPrivkey, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyBytes,
	}), nil
}

// EncodePublicKeyPEM encodes an RSA public key in PKIX PEM format.
func EncodePublicKeyPEM(key *rsa.PublicKey) (SignerPubkey, error) {
	pubKeyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubKeyBytes,
	}), nil
}

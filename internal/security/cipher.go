// Package security implements the gateway's cryptographic core: per-agent
// keypair generation, hybrid encryption of token payloads, and the HMAC
// token codec used by the token broker.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

const rsaKeyBits = 2048

var (
	ErrCiphertextMalformed = errors.New("ciphertext malformed")
	ErrDecryptFailed       = errors.New("decryption failed")
)

// KeyPair holds one generated RSA-2048 keypair, PEM-encoded. The private
// half is handed to the caller exactly once and never persisted server-side.
type KeyPair struct {
	PublicPEM  string
	PrivatePEM string
}

// GenerateKeyPair creates a fresh RSA-2048 keypair. Distinct keypairs can
// never decrypt each other's output.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	return &KeyPair{
		PublicPEM: string(pem.EncodeToMemory(&pem.Block{
			Type: "PUBLIC KEY", Bytes: pubDER,
		})),
		PrivatePEM: string(pem.EncodeToMemory(&pem.Block{
			Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv),
		})),
	}, nil
}

// ParsePublicKeyPEM parses a PEM-encoded RSA public key.
func ParsePublicKeyPEM(pemData string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// ParsePrivateKeyPEM parses a PEM-encoded RSA private key. Accepts both
// PKCS#1 and PKCS#8 encodings.
func ParsePrivateKeyPEM(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}
	if priv, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return priv, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	rsaPriv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaPriv, nil
}

// Encrypt seals plaintext of any length for the given public key.
//
// Token payloads exceed what raw RSA-OAEP can carry, so a one-shot AES-256
// key is sealed with OAEP and the payload with AES-GCM:
//
//	[2-byte len][OAEP(aes key)][gcm nonce][gcm sealed payload]
func Encrypt(pub *rsa.PublicKey, plaintext []byte) ([]byte, error) {
	aesKey := make([]byte, 32)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("generate session key: %w", err)
	}

	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, aesKey, nil)
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate gcm nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 2, 2+len(wrapped)+len(nonce)+len(sealed))
	binary.BigEndian.PutUint16(out, uint16(len(wrapped)))
	out = append(out, wrapped...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Decrypt reverses Encrypt. Any structural or key mismatch yields
// ErrCiphertextMalformed or ErrDecryptFailed without detail, so callers
// cannot distinguish padding failures from tampering.
func Decrypt(priv *rsa.PrivateKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 2 {
		return nil, ErrCiphertextMalformed
	}
	wrappedLen := int(binary.BigEndian.Uint16(ciphertext))
	rest := ciphertext[2:]
	if len(rest) < wrappedLen {
		return nil, ErrCiphertextMalformed
	}

	aesKey, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, rest[:wrappedLen], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	rest = rest[wrappedLen:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrCiphertextMalformed
	}

	plaintext, err := gcm.Open(nil, rest[:gcm.NonceSize()], rest[gcm.NonceSize():], nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// GenerateNonce returns 32 bytes of randomness, hex-encoded.
func GenerateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return hex.EncodeToString(nonce), nil
}

// SecureCompare performs a constant-time comparison of two byte slices.
func SecureCompare(a, b []byte) bool {
	return hmac.Equal(a, b)
}

// Package keys manages the per-round RSA keypair used to keep training
// results confidential end to end. The public half travels on-chain inside a
// single textual contract argument; the private half never leaves this host.
package keys

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"

	"github.com/fedmesh/cotrain/types"
)

const (
	// keySize matches the RSA-OAEP/SHA-256 scheme trainers encrypt against.
	keySize = 2048

	keyFileName = "round_key.pem"

	publicKeyPEMType  = "PUBLIC KEY"
	privateKeyPEMType = "PRIVATE KEY"
)

// The transport field only accepts a restricted character set, so the PEM
// structure is flattened: spaces inside the BEGIN/END tokens become '#' and
// newlines become '?'. Neither character appears in base64 output, making the
// transform invertible bit for bit.
const (
	newlinePlaceholder = "?"
	spacePlaceholder   = "#"
)

// RoundKey is the asymmetric keypair generated for exactly one round.
type RoundKey struct {
	priv *rsa.PrivateKey
}

func Generate() (*RoundKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("generating round key: %w", err)
	}
	return &RoundKey{priv: priv}, nil
}

func (k *RoundKey) Public() *rsa.PublicKey {
	return &k.priv.PublicKey
}

// ExportPublicForTransport serializes the public key as PEM and flattens it
// for embedding in a single contract argument.
func (k *RoundKey) ExportPublicForTransport() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("encoding public key: %w", err)
	}
	pemText := string(pem.EncodeToMemory(&pem.Block{Type: publicKeyPEMType, Bytes: der}))

	flattened := strings.ReplaceAll(pemText, "BEGIN "+publicKeyPEMType, "BEGIN#PUBLIC#KEY")
	flattened = strings.ReplaceAll(flattened, "END "+publicKeyPEMType, "END#PUBLIC#KEY")
	flattened = strings.ReplaceAll(flattened, "\n", newlinePlaceholder)
	return flattened, nil
}

// ImportPublicFromTransport inverts ExportPublicForTransport exactly.
func ImportPublicFromTransport(transport string) (*rsa.PublicKey, error) {
	pemText := strings.ReplaceAll(transport, newlinePlaceholder, "\n")
	pemText = strings.ReplaceAll(pemText, spacePlaceholder, " ")

	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != publicKeyPEMType {
		return nil, fmt.Errorf("transport string does not decode to a public key block")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("transport key is %T, not RSA", key)
	}
	return pub, nil
}

// DecryptShare decrypts one base64 ciphertext share with the round's private
// key. Failures map to types.ErrDecryption so callers can skip bad shares
// without aborting a completion check.
func (k *RoundKey) DecryptShare(b64Ciphertext string) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64Ciphertext))
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDecryption, err)
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrDecryption, err)
	}
	return string(plaintext), nil
}

// EncryptShare is the trainer-side counterpart of DecryptShare. It exists so
// the handshake can be exercised end to end.
func EncryptShare(pub *rsa.PublicKey, plaintext string) (string, error) {
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("encrypting share: %w", err)
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Save persists the private key under dir so a restart before results arrive
// does not lose the ability to decrypt them. The key material is never logged.
func (k *RoundKey) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating key dir: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(k.priv)
	if err != nil {
		return fmt.Errorf("encoding private key: %w", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: privateKeyPEMType, Bytes: der})

	filename := filepath.Join(dir, keyFileName)
	if err := atomic.WriteFile(filename, bytes.NewReader(pemBytes)); err != nil {
		return fmt.Errorf("writing key file: %w", err)
	}
	if err := os.Chmod(filename, 0o600); err != nil {
		return fmt.Errorf("restricting key file permissions: %w", err)
	}
	return nil
}

// Load reads a private key previously written by Save.
func Load(dir string) (*RoundKey, error) {
	pemBytes, err := os.ReadFile(filepath.Join(dir, keyFileName)) //#nosec G304
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != privateKeyPEMType {
		return nil, fmt.Errorf("key file does not contain a private key block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("stored key is %T, not RSA", key)
	}
	return &RoundKey{priv: priv}, nil
}

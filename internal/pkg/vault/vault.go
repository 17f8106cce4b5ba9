package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/craftloghq/connect/internal/pkg/autherr"
)

// keySalt is the fixed application salt for deriving an AES key from a
// passphrase-style TOKEN_VAULT_KEY. Rotating the key requires a re-encryption
// migration of all stored tokens and is out of scope here.
const keySalt = "connect-token-vault-v1"

const keyIterations = 10000

// Vault encrypts and decrypts token material at rest with AES-256-GCM.
// The nonce is prepended to the ciphertext and the result is base64-encoded.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from the configured key. A 64-char hex key is used as
// raw 32-byte key material; anything else is treated as a passphrase and run
// through PBKDF2. An empty key is a fatal configuration error — there is no
// default and no derived fallback.
func New(key string) (*Vault, error) {
	if key == "" {
		return nil, autherr.NewConfigError("TOKEN_VAULT_KEY", "encryption key is not set")
	}

	var raw []byte
	if decoded, err := hex.DecodeString(key); err == nil && len(decoded) == 32 {
		raw = decoded
	} else {
		raw = pbkdf2.Key([]byte(key), []byte(keySalt), keyIterations, 32, sha256.New)
	}

	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext and returns a base64 string safe for a text column.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails if the ciphertext was produced under a
// different key or was tampered with.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return "", errors.New("vault: ciphertext too short")
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

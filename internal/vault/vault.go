// Package vault implements at-rest encryption of named secrets: AES-GCM
// with a 12-byte IV and 16-byte auth tag, ciphertext encoded as
// hex(iv):hex(tag):hex(ct), keyed by a scrypt derivation over a random
// 64-byte file-backed password rotated atomically by write-temp-then-rename.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

const (
	keyFileMode = 0o600
	scryptN     = 1 << 15
	scryptR     = 8
	scryptP     = 1
	keyLen      = 32
	gcmIVLen    = 12
	gcmTagLen   = 16
)

// fixedSalt is the scrypt KDF salt. It is not secret — the password file
// is the actual secret material — but it is fixed so the same password
// always derives the same key.
var fixedSalt = []byte("scalyclaw-vault-kdf-salt-v1")

// Vault encrypts/decrypts named secrets stored in the KV store.
type Vault struct {
	kv      *kv.Store
	keyPath string
	key     []byte
}

// Open derives the encryption key from the password file at keyPath,
// generating a fresh random 64-byte base64 password (mode 0600) if absent.
func Open(store *kv.Store, keyPath string) (*Vault, error) {
	password, err := loadOrCreatePassword(keyPath)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(password)
	if err != nil {
		return nil, err
	}
	return &Vault{kv: store, keyPath: keyPath, key: key}, nil
}

func loadOrCreatePassword(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		return raw, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("vault: read key file: %w", err)
	}
	password := make([]byte, 64)
	if _, err := rand.Read(password); err != nil {
		return nil, fmt.Errorf("vault: generate password: %w", err)
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(password))
	if err := writeFileAtomic(path, encoded); err != nil {
		return nil, err
	}
	return encoded, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("vault: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: write temp file: %w", err)
	}
	if err := tmp.Chmod(keyFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("vault: rename temp file: %w", err)
	}
	return nil
}

func deriveKey(password []byte) ([]byte, error) {
	key, err := scrypt.Key(password, fixedSalt, scryptN, scryptR, scryptP, keyLen)
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// Encrypt returns hex(iv):hex(tag):hex(ct) for plaintext.
func (v *Vault) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVLen)
	if err != nil {
		return "", fmt.Errorf("vault: new gcm: %w", err)
	}
	iv := make([]byte, gcmIVLen)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: generate iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ct := sealed[:len(sealed)-gcmTagLen]
	tag := sealed[len(sealed)-gcmTagLen:]
	return fmt.Sprintf("%s:%s:%s", hex.EncodeToString(iv), hex.EncodeToString(tag), hex.EncodeToString(ct)), nil
}

// Decrypt reverses Encrypt.
func (v *Vault) Decrypt(encoded string) ([]byte, error) {
	parts := strings.SplitN(encoded, ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("vault: malformed ciphertext")
	}
	iv, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("vault: decode iv: %w", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("vault: decode tag: %w", err)
	}
	ct, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("vault: decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmIVLen)
	if err != nil {
		return nil, fmt.Errorf("vault: new gcm: %w", err)
	}
	return gcm.Open(nil, iv, append(ct, tag...), nil)
}

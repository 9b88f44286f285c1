package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/scalyclaw/scalyclaw/internal/kv"
)

func secretKey(name string) string {
	return kv.PrefixSecret + name
}

// StoreSecret encrypts value and writes it under name.
func (v *Vault) StoreSecret(ctx context.Context, name string, value []byte) error {
	encoded, err := v.Encrypt(value)
	if err != nil {
		return err
	}
	return v.kv.Set(ctx, secretKey(name), encoded, 0)
}

// GetSecret decrypts and returns the plaintext for name.
func (v *Vault) GetSecret(ctx context.Context, name string) ([]byte, error) {
	encoded, err := v.kv.Get(ctx, secretKey(name))
	if err != nil {
		return nil, err
	}
	if encoded == "" {
		return nil, fmt.Errorf("vault: no secret named %q", name)
	}
	return v.Decrypt(encoded)
}

// DeleteSecret removes name.
func (v *Vault) DeleteSecret(ctx context.Context, name string) error {
	return v.kv.Del(ctx, secretKey(name))
}

// ListSecretNames returns every stored secret's name (never its value).
func (v *Vault) ListSecretNames(ctx context.Context) ([]string, error) {
	var names []string
	iter := v.kv.Client().Scan(ctx, 0, secretKey("*"), 0).Iterator()
	prefixLen := len(secretKey(""))
	for iter.Next(ctx) {
		key := iter.Val()
		if len(key) > prefixLen {
			names = append(names, key[prefixLen:])
		}
	}
	return names, iter.Err()
}

// Rotate re-derives the encryption key from a freshly generated password,
// re-encrypts every stored secret under the new key, and atomically
// replaces the password file.
func (v *Vault) Rotate(ctx context.Context) error {
	names, err := v.ListSecretNames(ctx)
	if err != nil {
		return fmt.Errorf("vault: list secrets for rotation: %w", err)
	}
	plaintexts := make(map[string][]byte, len(names))
	for _, name := range names {
		pt, err := v.GetSecret(ctx, name)
		if err != nil {
			return fmt.Errorf("vault: decrypt %q during rotation: %w", name, err)
		}
		plaintexts[name] = pt
	}

	newPassword := make([]byte, 64)
	if _, err := rand.Read(newPassword); err != nil {
		return fmt.Errorf("vault: generate rotation password: %w", err)
	}
	encodedPw := []byte(base64.StdEncoding.EncodeToString(newPassword))
	if err := writeFileAtomic(v.keyPath, encodedPw); err != nil {
		return fmt.Errorf("vault: rotate key file: %w", err)
	}
	newKey, err := deriveKey(encodedPw)
	if err != nil {
		return err
	}
	v.key = newKey

	for name, pt := range plaintexts {
		if err := v.StoreSecret(ctx, name, pt); err != nil {
			return fmt.Errorf("vault: re-encrypt %q after rotation: %w", name, err)
		}
	}
	return nil
}

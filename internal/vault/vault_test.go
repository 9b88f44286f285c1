package vault

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	dir := t.TempDir()
	password, err := loadOrCreatePassword(filepath.Join(dir, "scalyclaw.ps"))
	require.NoError(t, err)
	key, err := deriveKey(password)
	require.NoError(t, err)
	return &Vault{keyPath: filepath.Join(dir, "scalyclaw.ps"), key: key}
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)
	cases := []string{"", "hello world", "unicode: héllo 日本語", string(make([]byte, 4096))}
	for _, c := range cases {
		ct, err := v.Encrypt([]byte(c))
		require.NoError(t, err)
		pt, err := v.Decrypt(ct)
		require.NoError(t, err)
		require.Equal(t, c, string(pt))
	}
}

func TestEncrypt_ProducesExpectedWireFormat(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)
	parts := splitColon(ct)
	require.Len(t, parts, 3)
	require.Len(t, parts[0], gcmIVLen*2)
	require.Len(t, parts[1], gcmTagLen*2)
}

func TestDecrypt_RejectsTamperedCiphertext(t *testing.T) {
	v := newTestVault(t)
	ct, err := v.Encrypt([]byte("secret"))
	require.NoError(t, err)
	last := "0"
	if ct[len(ct)-1] == '0' {
		last = "1"
	}
	tampered := ct[:len(ct)-1] + last
	_, err = v.Decrypt(tampered)
	require.Error(t, err)
}

func TestLoadOrCreatePassword_PersistsAcrossCalls(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scalyclaw.ps")
	p1, err := loadOrCreatePassword(path)
	require.NoError(t, err)
	p2, err := loadOrCreatePassword(path)
	require.NoError(t, err)
	require.Equal(t, p1, p2)
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

package credstore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return NewStoreAt(filepath.Join(dir, "credentials.age"), filepath.Join(dir, "identity.txt"))
}

func TestSaveAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	exp := time.UnixMilli(1_700_000_000_123)
	require.NoError(t, s.Save("mc.local", "tok-1", exp))

	cred, ok, err := s.Get("mc.local")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-1", cred.Token)
	require.True(t, cred.ExpiresAt.Equal(exp))

	_, ok, err = s.Get("other")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveOverwritesPreviousCredential(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("mc.local", "old", time.UnixMilli(1000)))
	require.NoError(t, s.Save("other", "keep", time.UnixMilli(3000)))
	require.NoError(t, s.Save("mc.local", "new", time.UnixMilli(2000)))

	cred, _, err := s.Get("mc.local")
	require.NoError(t, err)
	require.Equal(t, "new", cred.Token)
	require.Equal(t, int64(2000), cred.ExpiresAt.UnixMilli())

	hosts, err := s.Hosts()
	require.NoError(t, err)
	require.Equal(t, []string{"mc.local", "other"}, hosts)
}

func TestFileIsEncryptedAndIdentityPrivate(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("mc.local", "super-secret-token", time.Now().Add(time.Hour)))

	raw, err := os.ReadFile(s.path)
	require.NoError(t, err)
	require.False(t, bytes.Contains(raw, []byte("super-secret-token")))

	info, err := os.Stat(s.identityPath)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	// A second store over the same files reuses the identity.
	again := NewStoreAt(s.path, s.identityPath)
	cred, ok, err := again.Get("mc.local")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "super-secret-token", cred.Token)
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Save("mc.local", "t", time.Now()))
	require.NoError(t, s.Delete("mc.local"))
	require.NoError(t, s.Delete("mc.local"))
	_, ok, err := s.Get("mc.local")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()
	require.True(t, Credential{ExpiresAt: now.Add(-time.Second)}.Expired(now))
	require.False(t, Credential{ExpiresAt: now.Add(time.Second)}.Expired(now))
	require.False(t, Credential{}.Expired(now))
}

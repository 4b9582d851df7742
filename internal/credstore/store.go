// Package credstore persists access tokens per host in an age-encrypted file.
//
// The plaintext is a flat JSON object with two entries per host:
// "token-<host>" holds the bearer token and "expires-<host>" its absolute
// expiry in epoch milliseconds. A save for a host overwrites both entries in
// one atomic file replacement.
//
// The X25519 identity that decrypts the file lives next to it with 0600
// permissions and is generated on first use.
package credstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"filippo.io/age"

	"github.com/treykane/mcwatch/internal/appconfig"
)

const (
	tokenPrefix   = "token-"
	expiresPrefix = "expires-"
)

// Credential is the stored token of one host.
type Credential struct {
	Host      string
	Token     string
	ExpiresAt time.Time
}

// Expired reports whether the token is past its expiry at now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Store reads and writes the encrypted credential file.
type Store struct {
	mu           sync.Mutex
	path         string
	identityPath string
}

// NewStore opens the store at the default config paths.
func NewStore() (*Store, error) {
	path, err := appconfig.CredentialsFilePath()
	if err != nil {
		return nil, err
	}
	idPath, err := appconfig.IdentityFilePath()
	if err != nil {
		return nil, err
	}
	return NewStoreAt(path, idPath), nil
}

// NewStoreAt opens a store at explicit paths.
func NewStoreAt(path, identityPath string) *Store {
	return &Store{path: path, identityPath: identityPath}
}

// Save stores token for host, replacing any previous credential of that
// host.
func (s *Store) Save(host, token string, expiresAt time.Time) error {
	host = strings.TrimSpace(host)
	if host == "" {
		return errors.New("credstore: host is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.identity()
	if err != nil {
		return err
	}
	entries, err := s.read(id)
	if err != nil {
		return err
	}
	entries[tokenPrefix+host] = token
	entries[expiresPrefix+host] = strconv.FormatInt(expiresAt.UnixMilli(), 10)
	return s.write(id, entries)
}

// Get returns the credential for host. The boolean is false when none is
// stored.
func (s *Store) Get(host string) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.identity()
	if err != nil {
		return Credential{}, false, err
	}
	entries, err := s.read(id)
	if err != nil {
		return Credential{}, false, err
	}
	token, ok := entries[tokenPrefix+host]
	if !ok {
		return Credential{}, false, nil
	}
	cred := Credential{Host: host, Token: token}
	if raw, ok := entries[expiresPrefix+host]; ok {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Credential{}, false, fmt.Errorf("credstore: invalid expiry for %s: %w", host, err)
		}
		cred.ExpiresAt = time.UnixMilli(ms)
	}
	return cred, true, nil
}

// Delete removes the credential of host. Missing hosts are not an error.
func (s *Store) Delete(host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.identity()
	if err != nil {
		return err
	}
	entries, err := s.read(id)
	if err != nil {
		return err
	}
	if _, ok := entries[tokenPrefix+host]; !ok {
		return nil
	}
	delete(entries, tokenPrefix+host)
	delete(entries, expiresPrefix+host)
	return s.write(id, entries)
}

// Hosts lists the hosts with a stored token, sorted.
func (s *Store) Hosts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.identity()
	if err != nil {
		return nil, err
	}
	entries, err := s.read(id)
	if err != nil {
		return nil, err
	}
	var hosts []string
	for k := range entries {
		if strings.HasPrefix(k, tokenPrefix) {
			hosts = append(hosts, strings.TrimPrefix(k, tokenPrefix))
		}
	}
	sort.Strings(hosts)
	return hosts, nil
}

// identity loads the X25519 identity, generating it on first use.
func (s *Store) identity() (*age.X25519Identity, error) {
	b, err := os.ReadFile(s.identityPath)
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("parse identity %s: %w", s.identityPath, err)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	if err := writeAtomic(s.identityPath, []byte(id.String()+"\n")); err != nil {
		return nil, err
	}
	return id, nil
}

func (s *Store) read(id *age.X25519Identity) (map[string]string, error) {
	entries := map[string]string{}
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, err
	}
	r, err := age.Decrypt(bytes.NewReader(b), id)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", s.path, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(plain, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *Store) write(id *age.X25519Identity, entries map[string]string) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, id.Recipient())
	if err != nil {
		return fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize encryption: %w", err)
	}
	return writeAtomic(s.path, buf.Bytes())
}

// writeAtomic replaces path with data via a temp file and rename.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

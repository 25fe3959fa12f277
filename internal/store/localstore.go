// Package store provides the local persistence collaborators: an encrypted
// key-value document store standing in for the browser's encrypted
// localStorage, and the process-lifetime session-key holder. All state lives
// on the local machine; nothing here ever talks to a network.
package store

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/compress/gzip"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/chatlink-dev/chatlinkd/internal/sharelink"
)

// storeNonceSize is the AES-GCM nonce length for the at-rest blob. This is a
// local format, independent of the share-link wire format.
const storeNonceSize = 12

// LocalStore is an encrypted key-value store backed by a single file. Values
// live in one JSON document that is gzip-compressed and sealed with the
// master key on every save; each key is read and written atomically under the
// store lock. The master key is derived from the user's password plus the
// salt and key nonce persisted in the file header, so the same password
// always reopens the same store.
type LocalStore struct {
	mu   sync.Mutex
	path string
	key  []byte

	salt     []byte
	keyNonce []byte
	doc      string
}

// OpenLocalStore opens (or creates) the store at path, deriving the master
// key from password. Opening an existing store with the wrong password fails
// with a DecryptionAuthenticationError from the sealed document.
func OpenLocalStore(path, password string) (*LocalStore, error) {
	s := &LocalStore{path: path, doc: "{}"}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err = s.load(raw, password); err != nil {
			return nil, err
		}
	case os.IsNotExist(err):
		log.Infof("creating encrypted store at %s", filepath.Clean(path))
		if err = s.initialize(password); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("local store: read %s: %w", path, err)
	}
	return s, nil
}

func (s *LocalStore) initialize(password string) error {
	s.salt = make([]byte, sharelink.SaltSize)
	if _, err := rand.Read(s.salt); err != nil {
		return fmt.Errorf("local store: generate salt: %w", err)
	}
	s.keyNonce = make([]byte, sharelink.NonceSize)
	if _, err := rand.Read(s.keyNonce); err != nil {
		return fmt.Errorf("local store: generate key nonce: %w", err)
	}
	key, err := sharelink.DeriveMasterKey(password, s.salt, s.keyNonce)
	if err != nil {
		return err
	}
	s.key = key
	return s.saveLocked()
}

func (s *LocalStore) load(raw []byte, password string) error {
	header := sharelink.SaltSize + sharelink.NonceSize + storeNonceSize
	if len(raw) < header+1 {
		return fmt.Errorf("local store: file too short")
	}
	s.salt = raw[:sharelink.SaltSize]
	s.keyNonce = raw[sharelink.SaltSize : sharelink.SaltSize+sharelink.NonceSize]
	dataNonce := raw[sharelink.SaltSize+sharelink.NonceSize : header]
	sealed := raw[header:]

	key, err := sharelink.DeriveMasterKey(password, s.salt, s.keyNonce)
	if err != nil {
		return err
	}
	s.key = key

	aead, err := newStoreAEAD(key)
	if err != nil {
		return err
	}
	compressed, err := aead.Open(nil, dataNonce, sealed, nil)
	if err != nil {
		return &sharelink.DecryptionAuthenticationError{Cause: err}
	}

	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return fmt.Errorf("local store: open compressed document: %w", err)
	}
	doc, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("local store: decompress document: %w", err)
	}
	if err = zr.Close(); err != nil {
		return fmt.Errorf("local store: close reader: %w", err)
	}
	s.doc = string(doc)
	return nil
}

// saveLocked compresses and seals the document with a fresh data nonce, then
// rewrites the file. Caller holds s.mu (or has exclusive ownership during
// initialization).
func (s *LocalStore) saveLocked() error {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write([]byte(s.doc)); err != nil {
		return fmt.Errorf("local store: compress document: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("local store: finish compression: %w", err)
	}

	dataNonce := make([]byte, storeNonceSize)
	if _, err := rand.Read(dataNonce); err != nil {
		return fmt.Errorf("local store: generate data nonce: %w", err)
	}
	aead, err := newStoreAEAD(s.key)
	if err != nil {
		return err
	}
	sealed := aead.Seal(nil, dataNonce, buf.Bytes(), nil)

	blob := make([]byte, 0, len(s.salt)+len(s.keyNonce)+len(dataNonce)+len(sealed))
	blob = append(blob, s.salt...)
	blob = append(blob, s.keyNonce...)
	blob = append(blob, dataNonce...)
	blob = append(blob, sealed...)

	if err = os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("local store: create dir: %w", err)
	}
	if err = os.WriteFile(s.path, blob, 0o600); err != nil {
		return fmt.Errorf("local store: write %s: %w", s.path, err)
	}
	return nil
}

// GetValue returns the raw JSON value stored under the dotted key path, or
// ok=false when the key is absent.
func (s *LocalStore) GetValue(key string) (raw string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := gjson.Get(s.doc, key)
	if !result.Exists() {
		return "", false
	}
	return result.Raw, true
}

// GetString returns the stored value as a string, or "" when absent.
func (s *LocalStore) GetString(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gjson.Get(s.doc, key).String()
}

// SetValue writes value under the dotted key path and persists the document.
// Each call is atomic with respect to other store operations.
func (s *LocalStore) SetValue(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := sjson.Set(s.doc, key, value)
	if err != nil {
		return fmt.Errorf("local store: set %s: %w", key, err)
	}
	s.doc = doc
	return s.saveLocked()
}

// SetRawValue writes a pre-serialized JSON value under the key path.
func (s *LocalStore) SetRawValue(key, rawJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := sjson.SetRaw(s.doc, key, rawJSON)
	if err != nil {
		return fmt.Errorf("local store: set raw %s: %w", key, err)
	}
	s.doc = doc
	return s.saveLocked()
}

// DeleteValue removes the key path and persists the document. Deleting an
// absent key is not an error.
func (s *LocalStore) DeleteValue(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := sjson.Delete(s.doc, key)
	if err != nil {
		return fmt.Errorf("local store: delete %s: %w", key, err)
	}
	s.doc = doc
	return s.saveLocked()
}

func newStoreAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("local store: create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("local store: create GCM: %w", err)
	}
	return aead, nil
}

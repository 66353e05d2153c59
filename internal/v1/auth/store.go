// Package auth holds durable credentials and in-memory login sessions.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

const (
	pbkdf2Iterations = 200_000
	saltLen          = 16
	derivedKeyLen    = 32
)

// ErrDuplicateUser is returned when adding a username that already exists.
var ErrDuplicateUser = errors.New("username already registered")

type userRecord struct {
	Salt      string `json:"salt"`
	Hash      string `json:"hash"`
	CreatedAt int64  `json:"created_at"`
}

type userDB struct {
	Users map[string]userRecord `json:"users"`
}

// Store is the durable username -> (salt, hash) mapping. The backing file is
// small and fully re-serialized on each change; writes happen only on
// account creation.
type Store struct {
	mu   sync.Mutex
	path string
	db   userDB
}

// OpenStore loads the credential file at path. A missing file is treated as
// an empty store; a corrupt file is a startup error.
func OpenStore(path string) (*Store, error) {
	s := &Store{
		path: path,
		db:   userDB{Users: make(map[string]userRecord)},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	if err := json.Unmarshal(raw, &s.db); err != nil {
		return nil, fmt.Errorf("parse credential store %s: %w", path, err)
	}
	if s.db.Users == nil {
		s.db.Users = make(map[string]userRecord)
	}
	return s, nil
}

// Exists reports whether the username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.db.Users[username]
	return ok
}

// Add registers a new user. Returns ErrDuplicateUser without modifying the
// store if the username is taken.
func (s *Store) Add(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.db.Users[username]; ok {
		return ErrDuplicateUser
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeyLen, sha256.New)

	s.db.Users[username] = userRecord{
		Salt:      hex.EncodeToString(salt),
		Hash:      hex.EncodeToString(dk),
		CreatedAt: time.Now().Unix(),
	}

	if err := s.persistLocked(); err != nil {
		delete(s.db.Users, username)
		return err
	}
	return nil
}

// Verify checks the password against the stored derived key in constant time.
func (s *Store) Verify(username, password string) bool {
	s.mu.Lock()
	rec, ok := s.db.Users[username]
	s.mu.Unlock()
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(rec.Salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(rec.Hash)
	if err != nil {
		return false
	}

	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, derivedKeyLen, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// persistLocked writes the store crash-atomically: a temporary sibling file
// is written in full and renamed over the target.
func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(&s.db, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential store: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp credential file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp credential file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp credential file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace credential file: %w", err)
	}
	return nil
}

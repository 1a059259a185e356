// Package creds loads and verifies the admin credentials file: one
// "username password-hash" pair per line.  Hashes are hex md5 (the legacy
// file format) or bcrypt when prefixed with "$2".
package creds

import (
	"bufio"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/bcrypt"
)

// Store holds the admin username → password-hash table.  An RWMutex guards
// the table so the fsnotify reload goroutine can swap it while connection
// goroutines verify logins.
type Store struct {
	mu     sync.RWMutex
	path   string
	admins map[string]string
}

// Load reads the credentials file at path.  A missing file is not an
// error; the server then simply has no admins.
func Load(path string) (*Store, error) {
	s := &Store{path: path, admins: make(map[string]string)}
	if path == "" {
		return s, nil
	}
	if err := s.Reload(); err != nil {
		if os.IsNotExist(err) {
			log.Printf("[creds] %s not found, no admins loaded", path)
			return s, nil
		}
		return nil, err
	}
	return s, nil
}

// Reload re-reads the credentials file, replacing the table atomically.
// Malformed lines are skipped with a warning.
func (s *Store) Reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	admins := make(map[string]string)
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			log.Printf("[creds] %s:%d: malformed line skipped", s.path, line)
			continue
		}
		admins[fields[0]] = fields[1]
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("creds: read %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.admins = admins
	s.mu.Unlock()
	log.Printf("[creds] %d admin(s) loaded from %s", len(admins), s.path)
	return nil
}

// IsAdmin reports whether username has an admin credential.
func (s *Store) IsAdmin(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.admins[username]
	return ok
}

// Verify checks password against the stored hash for username.  Returns
// false for unknown usernames.
func (s *Store) Verify(username, password string) bool {
	s.mu.RLock()
	hash, ok := s.admins[username]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	sum := md5.Sum([]byte(password))
	got := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}

// Watch reloads the credentials file whenever it changes on disk.  It
// returns the watcher so the caller can Close it on shutdown; with no file
// configured it returns nil.
func (s *Store) Watch() (*fsnotify.Watcher, error) {
	if s.path == "" {
		return nil, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creds: watch: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("creds: watch %s: %w", s.path, err)
	}
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Create) {
					if err := s.Reload(); err != nil {
						log.Printf("[creds] reload: %v", err)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("[creds] watcher: %v", err)
			}
		}
	}()
	return w, nil
}

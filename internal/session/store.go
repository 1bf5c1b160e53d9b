// Package session persists connection-identity metadata so diagnostics
// survive a process restart. It does not restore the transport's own
// authentication; the gateway owns the credentials.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"psinotify/pkg/logx"
)

// Info is the persisted session record. At most one Info is authoritative
// per running engine instance; the in-memory copy may be stale up to one
// backup interval.
type Info struct {
	Address      string    `json:"address"`
	Device       string    `json:"device"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastBackupAt time.Time `json:"last_backup_at"`
}

type Store struct {
	dir      string
	clientID string
	log      logx.Logger

	mu sync.Mutex
}

// NewStore prepares a file-backed store rooted at dir. The directory is
// created eagerly so a bad path fails at startup, not at the first backup.
func NewStore(dir, clientID string, log logx.Logger) (*Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("session: dir is required")
	}
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, errors.New("session: client id is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("session: create dir: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{dir: dir, clientID: clientID, log: log}, nil
}

func (s *Store) path() string {
	return filepath.Join(s.dir, s.clientID+".session.json")
}

// Save writes info stamped with a fresh backup timestamp. Idempotent and
// safe to call from a timer.
func (s *Store) Save(info Info) error {
	info.LastBackupAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	// Write-then-rename so a crash mid-save never corrupts the record.
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return err
	}
	s.log.Debug("session saved", logx.String("address", info.Address), logx.Time("backup_at", info.LastBackupAt))
	return nil
}

// Load reads the persisted record. A missing file is not an error; ok=false
// means "no prior session" and is reported as a diagnostic by the caller.
func (s *Store) Load() (Info, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, err
	}
	var info Info
	if err := json.Unmarshal(b, &info); err != nil {
		return Info{}, false, fmt.Errorf("session: corrupt record: %w", err)
	}
	return info, true, nil
}

// Clear removes all persisted artifacts for this client. Called only on
// unrecoverable auth failure or explicit operator action.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range []string{s.path(), s.path() + ".tmp"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	s.log.Info("session cleared", logx.String("client_id", s.clientID))
	return nil
}

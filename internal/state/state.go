package state

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/musthaq16/navtracker/types"
)

// Session is what survives a restart: the destination being tracked.
type Session struct {
	SessionID   string            `json:"session_id"`
	Destination *types.Coordinate `json:"destination,omitempty"`
	LastKnown   *types.Position   `json:"last_known,omitempty"`
	SavedAt     time.Time         `json:"saved_at"`
}

type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Load returns the saved session, or nil when nothing was saved.
func (s *Store) Load(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (s *Store) Save(session Session) error {
	if err := os.MkdirAll(s.dir, os.ModePerm); err != nil {
		return err
	}
	if session.SavedAt.IsZero() {
		session.SavedAt = time.Now()
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.path(session.SessionID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(session.SessionID))
}

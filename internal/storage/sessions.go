package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/murmurchat/murmur/internal/queue"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// DefaultSessionKey is the fixed key under which the single-session state
// blob is stored.
const DefaultSessionKey = "default"

// SaveSessionBlob upserts the serialized session state under key.
func (s *Store) SaveSessionBlob(key string, state []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (key, state, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		key, string(state), time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// LoadSessionBlob returns the serialized session state for key, or
// ErrNotFound if no session has been saved.
func (s *Store) LoadSessionBlob(key string) ([]byte, error) {
	var state string
	err := s.db.QueryRow(`SELECT state FROM sessions WHERE key = ?`, key).Scan(&state)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(state), nil
}

// SessionRepo adapts the blob store to the queue engine's SessionStore
// interface, serializing the state record as JSON.
type SessionRepo struct {
	store  *Store
	key    string
	logger *slog.Logger
}

// NewSessionRepo creates a SessionRepo over store. An empty key uses
// DefaultSessionKey.
func NewSessionRepo(store *Store, key string) *SessionRepo {
	if key == "" {
		key = DefaultSessionKey
	}
	return &SessionRepo{store: store, key: key, logger: slog.Default()}
}

// Save serializes and persists the session state.
func (r *SessionRepo) Save(state queue.SessionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("serializing session: %w", err)
	}
	if err := r.store.SaveSessionBlob(r.key, data); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

// Load restores the persisted session state. Loading is best-effort: a
// missing or corrupt record yields (nil, nil) with a warning so the session
// starts from empty defaults.
func (r *SessionRepo) Load() (*queue.SessionState, error) {
	data, err := r.store.LoadSessionBlob(r.key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	var state queue.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		r.logger.Warn("persisted session is corrupt, starting from defaults", "error", err)
		return nil, nil
	}
	return &state, nil
}

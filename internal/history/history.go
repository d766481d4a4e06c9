// Package history keeps a local SQLite mirror of resolved exchanges so a
// transcript stays readable when the backend is unreachable. The database
// is opened lazily and created on first use; if opening or writing fails
// the mirror falls back to in-memory storage.
package history

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/guyuedumingx/chatSpace/internal/logger"
	"github.com/guyuedumingx/chatSpace/internal/message"
)

type entry struct {
	sessionID string
	msg       message.Message
}

// Store mirrors per-session transcripts.
type Store struct {
	path string

	mu  sync.Mutex
	mem []entry // in-memory fallback

	once    sync.Once
	db      *sql.DB
	initErr error
}

// NewStore creates a mirror backed by the SQLite file at path. Nothing is
// opened until the first Save or List.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) init() {
	db, err := sql.Open("sqlite", "file:"+s.path+"?_busy_timeout=10000&_fk=1")
	if err != nil {
		s.initErr = err
		logger.L.Warn("sqlite open failed; mirroring history in memory", "error", err)
		return
	}
	if _, err = db.Exec(`CREATE TABLE IF NOT EXISTS transcript (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        message_id TEXT,
        session_id TEXT,
        role TEXT,
        content TEXT,
        status TEXT,
        custom_prompts TEXT,
        created_at DATETIME
    );`); err != nil {
		s.initErr = err
		logger.L.Warn("sqlite table creation failed; mirroring history in memory", "error", err)
		return
	}
	s.db = db
	logger.L.Info("transcript mirror initialized", "path", s.path)
}

// Save mirrors one turn. Failures are logged, never propagated: the mirror
// is a cache, not the source of truth.
func (s *Store) Save(sessionID string, msg message.Message) {
	s.once.Do(s.init)

	if s.initErr == nil && s.db != nil {
		prompts := ""
		if len(msg.CustomPrompts) > 0 {
			if raw, err := json.Marshal(msg.CustomPrompts); err == nil {
				prompts = string(raw)
			}
		}
		_, err := s.db.Exec(
			`INSERT INTO transcript (message_id, session_id, role, content, status, custom_prompts, created_at) VALUES (?,?,?,?,?,?,?);`,
			msg.ID, sessionID, string(msg.Role), msg.Content, string(msg.Status), prompts, time.Now().UTC(),
		)
		if err == nil {
			return
		}
		logger.L.Error("failed to mirror turn in sqlite; keeping it in memory", "error", err)
	}

	s.mu.Lock()
	s.mem = append(s.mem, entry{sessionID: sessionID, msg: msg})
	s.mu.Unlock()
}

// List returns the mirrored turns of a session in insertion order.
func (s *Store) List(sessionID string) []message.Message {
	s.once.Do(s.init)

	if s.initErr == nil && s.db != nil {
		rows, err := s.db.Query(
			`SELECT message_id, role, content, status, custom_prompts FROM transcript WHERE session_id = ? ORDER BY seq ASC;`,
			sessionID,
		)
		if err == nil {
			defer rows.Close()
			var out []message.Message
			for rows.Next() {
				var m message.Message
				var role, status, prompts string
				if err := rows.Scan(&m.ID, &role, &m.Content, &status, &prompts); err != nil {
					continue
				}
				m.Role = message.Role(role)
				m.Status = message.Status(status)
				if prompts != "" {
					_ = json.Unmarshal([]byte(prompts), &m.CustomPrompts)
				}
				out = append(out, m)
			}
			return out
		}
		logger.L.Error("failed to read transcript mirror", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []message.Message
	for _, e := range s.mem {
		if e.sessionID == sessionID {
			out = append(out, e.msg)
		}
	}
	return out
}

// Forget drops the mirrored transcript of a deleted session.
func (s *Store) Forget(sessionID string) {
	s.once.Do(s.init)

	if s.initErr == nil && s.db != nil {
		if _, err := s.db.Exec(`DELETE FROM transcript WHERE session_id = ?;`, sessionID); err != nil {
			logger.L.Error("failed to forget mirrored transcript", "error", err)
		}
	}

	s.mu.Lock()
	kept := s.mem[:0]
	for _, e := range s.mem {
		if e.sessionID != sessionID {
			kept = append(kept, e)
		}
	}
	s.mem = kept
	s.mu.Unlock()
}

// Close releases the underlying database, if it was opened.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

package sessionstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/agentwire/agentwire/internal/msgcodec"
)

// Store records and replays session transcripts.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and brings its schema up to
// date.
func Open(path string) (*Store, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// AppendLine records one raw protocol line under the session. The
// session row is created on first append; seq numbers are dense and
// start at 0.
func (s *Store) AppendLine(ctx context.Context, sessionID string, line []byte) error {
	if sessionID == "" {
		return fmt.Errorf("append line: empty session id")
	}

	now := time.Now().UnixMilli()
	compressed, compression := msgcodec.Compress(line)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at`,
		sessionID, now, now); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO transcript_lines (session_id, seq, content, compression, created_at)
		SELECT ?, COALESCE(MAX(seq) + 1, 0), ?, ?, ?
		FROM transcript_lines WHERE session_id = ?`,
		sessionID, compressed, int(compression), now, sessionID); err != nil {
		return fmt.Errorf("insert transcript line: %w", err)
	}

	return tx.Commit()
}

// Transcript returns the session's raw lines in append order.
func (s *Store) Transcript(ctx context.Context, sessionID string) ([][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content, compression FROM transcript_lines
		WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var lines [][]byte
	for rows.Next() {
		var content []byte
		var compression int
		if err := rows.Scan(&content, &compression); err != nil {
			return nil, fmt.Errorf("scan transcript line: %w", err)
		}
		line, err := msgcodec.Decompress(content, msgcodec.Compression(compression))
		if err != nil {
			return nil, fmt.Errorf("decode transcript line: %w", err)
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

// Sessions lists recorded session ids, most recently updated first.
func (s *Store) Sessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a session and its transcript.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

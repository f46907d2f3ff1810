package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/enclave/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	name           TEXT NOT NULL DEFAULT '',
	model          TEXT NOT NULL DEFAULT '',
	thinking_level TEXT NOT NULL DEFAULT 'off',
	labels         TEXT NOT NULL DEFAULT '{}',
	updated_at     TIMESTAMP
);
CREATE TABLE IF NOT EXISTS messages (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id),
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	tool_name  TEXT NOT NULL DEFAULT '',
	metadata   TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP,
	seq        INTEGER
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, seq);
`

// SQLiteStore persists sessions in a SQLite database. Every write runs in a
// transaction, which is what makes the typed session writes atomic.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent host-call handlers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply session schema: %w", err)
	}
	return &SQLiteStore{db: db, clock: time.Now}, nil
}

// GetOrCreate implements Store.
func (s *SQLiteStore) GetOrCreate(ctx context.Context, id string) (Handle, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, updated_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING`,
		id, s.clock().UTC())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sqliteSession{id: id, store: s}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (Handle, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sqliteSession{id: id, store: s}, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type sqliteSession struct {
	id    string
	store *SQLiteStore
}

func (q *sqliteSession) ID() string { return q.id }

func (q *sqliteSession) State(ctx context.Context) (models.SessionState, error) {
	var (
		state     models.SessionState
		labelsRaw string
		level     string
		updated   sql.NullTime
	)
	err := q.store.db.QueryRowContext(ctx,
		`SELECT name, model, thinking_level, labels, updated_at FROM sessions WHERE id = ?`, q.id).
		Scan(&state.Name, &state.Model, &level, &labelsRaw, &updated)
	if err == sql.ErrNoRows {
		return state, ErrNotFound
	}
	if err != nil {
		return state, err
	}
	state.ID = q.id
	state.ThinkingLevel = models.ThinkingLevel(level)
	if updated.Valid {
		state.UpdatedAt = updated.Time
	}
	state.Labels = map[string]string{}
	if err := json.Unmarshal([]byte(labelsRaw), &state.Labels); err != nil {
		return state, fmt.Errorf("decode session labels: %w", err)
	}
	if err := q.store.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`, q.id).Scan(&state.MessageCount); err != nil {
		return state, err
	}
	return state, nil
}

func (q *sqliteSession) Messages(ctx context.Context, limit int) ([]*models.Message, error) {
	query := `SELECT id, role, content, tool_name, metadata, created_at FROM messages
		WHERE session_id = ? ORDER BY seq ASC`
	args := []any{q.id}
	if limit > 0 {
		// Take the newest N, still returned oldest first.
		query = `SELECT id, role, content, tool_name, metadata, created_at FROM (
			SELECT * FROM messages WHERE session_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
		args = append(args, limit)
	}
	rows, err := q.store.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var (
			msg     models.Message
			role    string
			metaRaw string
			created sql.NullTime
		)
		if err := rows.Scan(&msg.ID, &role, &msg.Content, &msg.ToolName, &metaRaw, &created); err != nil {
			return nil, err
		}
		msg.Role = models.Role(role)
		if created.Valid {
			msg.CreatedAt = created.Time
		}
		if metaRaw != "" && metaRaw != "{}" {
			if err := json.Unmarshal([]byte(metaRaw), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode message metadata: %w", err)
			}
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (q *sqliteSession) SetName(ctx context.Context, name string) error {
	return q.update(ctx, `UPDATE sessions SET name = ?, updated_at = ? WHERE id = ?`, name)
}

func (q *sqliteSession) SetModel(ctx context.Context, model string) error {
	return q.update(ctx, `UPDATE sessions SET model = ?, updated_at = ? WHERE id = ?`, model)
}

func (q *sqliteSession) SetThinkingLevel(ctx context.Context, level models.ThinkingLevel) error {
	return q.update(ctx, `UPDATE sessions SET thinking_level = ?, updated_at = ? WHERE id = ?`, string(level))
}

func (q *sqliteSession) update(ctx context.Context, query string, value any) error {
	res, err := q.store.db.ExecContext(ctx, query, value, q.store.clock().UTC(), q.id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *sqliteSession) SetLabel(ctx context.Context, key, value string) error {
	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var labelsRaw string
	err = tx.QueryRowContext(ctx, `SELECT labels FROM sessions WHERE id = ?`, q.id).Scan(&labelsRaw)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	labels := map[string]string{}
	if err := json.Unmarshal([]byte(labelsRaw), &labels); err != nil {
		return fmt.Errorf("decode session labels: %w", err)
	}
	if value == "" {
		delete(labels, key)
	} else {
		labels[key] = value
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET labels = ?, updated_at = ? WHERE id = ?`,
		string(encoded), q.store.clock().UTC(), q.id); err != nil {
		return err
	}
	return tx.Commit()
}

func (q *sqliteSession) Append(ctx context.Context, msg *models.Message) error {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	created := msg.CreatedAt
	if created.IsZero() {
		created = q.store.clock()
	}
	metadata := "{}"
	if len(msg.Metadata) > 0 {
		encoded, err := json.Marshal(msg.Metadata)
		if err != nil {
			return err
		}
		metadata = string(encoded)
	}

	tx, err := q.store.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`, q.id).Scan(&next); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, session_id, role, content, tool_name, metadata, created_at, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, q.id, string(msg.Role), msg.Content, msg.ToolName, metadata, created.UTC(), next); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, q.store.clock().UTC(), q.id); err != nil {
		return err
	}
	return tx.Commit()
}

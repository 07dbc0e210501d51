package chatstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SQLiteStore persists conversations, messages, users and custom instructions in SQLite.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a DSN with WAL, a busy timeout and foreign keys enabled.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conv_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			last_activity_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conv_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (conv_id) REFERENCES conversations(conv_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			last_used_model TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS custom_instructions (
			user_id TEXT PRIMARY KEY,
			about_user TEXT NOT NULL DEFAULT '',
			preference TEXT NOT NULL DEFAULT '',
			is_active INTEGER NOT NULL DEFAULT 1,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv ON messages(conv_id, id);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_user_activity ON conversations(user_id, last_activity_ms DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) nowMs() int64 { return s.now().UnixMilli() }

func (s *SQLiteStore) CreateConversation(ctx context.Context, record ConversationRecord) (ConversationRecord, error) {
	record = normalizeConversationRecord(record, s.nowMs())
	if record.ConvID == "" {
		return ConversationRecord{}, errors.New("sqlite store: convID is empty")
	}
	if record.UserID == "" {
		return ConversationRecord{}, errors.New("sqlite store: userID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations(conv_id, user_id, title, model, created_at_ms, last_activity_ms)
		VALUES(?, ?, ?, ?, ?, ?)
	`, record.ConvID, record.UserID, record.Title, record.Model, record.CreatedAtMs, record.LastActivityMs)
	if err != nil {
		return ConversationRecord{}, errors.Wrap(err, "sqlite store: create conversation")
	}
	return record, nil
}

func (s *SQLiteStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return ConversationRecord{}, false, errors.New("sqlite store: convID is empty")
	}
	var r ConversationRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT conv_id, user_id, title, model, created_at_ms, last_activity_ms
		FROM conversations WHERE conv_id = ?
	`, convID).Scan(&r.ConvID, &r.UserID, &r.Title, &r.Model, &r.CreatedAtMs, &r.LastActivityMs)
	if errors.Is(err, sql.ErrNoRows) {
		return ConversationRecord{}, false, nil
	}
	if err != nil {
		return ConversationRecord{}, false, errors.Wrap(err, "sqlite store: get conversation")
	}
	return r, true, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, userID string) ([]ConversationRecord, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("sqlite store: userID is empty")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT conv_id, user_id, title, model, created_at_ms, last_activity_ms
		FROM conversations WHERE user_id = ?
		ORDER BY last_activity_ms DESC, conv_id ASC
	`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list conversations")
	}
	defer func() { _ = rows.Close() }()

	out := []ConversationRecord{}
	for rows.Next() {
		var r ConversationRecord
		if err := rows.Scan(&r.ConvID, &r.UserID, &r.Title, &r.Model, &r.CreatedAtMs, &r.LastActivityMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, convID string, role Role, content string) (MessageRecord, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return MessageRecord{}, errors.New("sqlite store: convID is empty")
	}
	if err := validateRole(role); err != nil {
		return MessageRecord{}, err
	}
	now := s.nowMs()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(conv_id, role, content, created_at_ms) VALUES(?, ?, ?, ?)
	`, convID, string(role), content, now)
	if err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite store: append message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return MessageRecord{}, errors.Wrap(err, "sqlite store: append message id")
	}
	return MessageRecord{ID: id, ConvID: convID, Role: role, Content: content, CreatedAtMs: now}, nil
}

func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, msgID int64, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, msgID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: update message")
	}
	return requireAffected(res, "message", fmt.Sprint(msgID))
}

func (s *SQLiteStore) UpdateTitle(ctx context.Context, convID string, title string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, last_activity_ms = ? WHERE conv_id = ?
	`, title, s.nowMs(), convID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: update title")
	}
	return requireAffected(res, "conversation", convID)
}

func (s *SQLiteStore) TouchActivity(ctx context.Context, convID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE conversations SET last_activity_ms = ? WHERE conv_id = ?`, s.nowMs(), convID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: touch activity")
	}
	return requireAffected(res, "conversation", convID)
}

func (s *SQLiteStore) ListMessages(ctx context.Context, convID string) ([]MessageRecord, error) {
	return s.queryMessages(ctx, `
		SELECT id, conv_id, role, content, created_at_ms
		FROM messages WHERE conv_id = ? ORDER BY id ASC
	`, convID)
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, convID string, n int) ([]MessageRecord, error) {
	if n <= 0 {
		return []MessageRecord{}, nil
	}
	return s.queryMessages(ctx, `
		SELECT id, conv_id, role, content, created_at_ms FROM (
			SELECT id, conv_id, role, content, created_at_ms
			FROM messages WHERE conv_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, convID, n)
}

func (s *SQLiteStore) queryMessages(ctx context.Context, query string, args ...any) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list messages")
	}
	defer func() { _ = rows.Close() }()

	out := []MessageRecord{}
	for rows.Next() {
		var m MessageRecord
		var role string
		if err := rows.Scan(&m.ID, &m.ConvID, &role, &m.Content, &m.CreatedAtMs); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountMessages(ctx context.Context, convID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE conv_id = ?`, convID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "sqlite store: count messages")
	}
	return n, nil
}

func (s *SQLiteStore) UpsertUser(ctx context.Context, user UserRecord) error {
	if strings.TrimSpace(user.UserID) == "" {
		return errors.New("sqlite store: userID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users(user_id, name, last_used_model) VALUES(?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, last_used_model = excluded.last_used_model
	`, user.UserID, user.Name, user.LastUsedModel)
	return errors.Wrap(err, "sqlite store: upsert user")
}

func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (UserRecord, bool, error) {
	var u UserRecord
	err := s.db.QueryRowContext(ctx, `SELECT user_id, name, last_used_model FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.Name, &u.LastUsedModel)
	if errors.Is(err, sql.ErrNoRows) {
		return UserRecord{}, false, nil
	}
	if err != nil {
		return UserRecord{}, false, errors.Wrap(err, "sqlite store: get user")
	}
	return u, true, nil
}

func (s *SQLiteStore) UpsertInstruction(ctx context.Context, in InstructionRecord) error {
	if strings.TrimSpace(in.UserID) == "" {
		return errors.New("sqlite store: userID is empty")
	}
	if in.UpdatedAtMs <= 0 {
		in.UpdatedAtMs = s.nowMs()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO custom_instructions(user_id, about_user, preference, is_active, updated_at_ms)
		VALUES(?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			about_user = excluded.about_user,
			preference = excluded.preference,
			is_active = excluded.is_active,
			updated_at_ms = excluded.updated_at_ms
	`, in.UserID, in.AboutUser, in.Preference, boolToInt(in.Active), in.UpdatedAtMs)
	return errors.Wrap(err, "sqlite store: upsert instruction")
}

func (s *SQLiteStore) ActiveInstruction(ctx context.Context, userID string) (InstructionRecord, bool, error) {
	var in InstructionRecord
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, about_user, preference, is_active, updated_at_ms
		FROM custom_instructions WHERE user_id = ? AND is_active = 1
	`, userID).Scan(&in.UserID, &in.AboutUser, &in.Preference, &active, &in.UpdatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return InstructionRecord{}, false, nil
	}
	if err != nil {
		return InstructionRecord{}, false, errors.Wrap(err, "sqlite store: active instruction")
	}
	in.Active = active == 1
	return in, true, nil
}

func requireAffected(res sql.Result, what, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", what, id)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

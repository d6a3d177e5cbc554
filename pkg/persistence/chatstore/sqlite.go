package chatstore

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/jiminy/pkg/chat"
)

// SQLiteChatStore persists conversations, messages, and personas in SQLite.
type SQLiteChatStore struct {
	db *sql.DB
}

var _ ChatStore = &SQLiteChatStore{}

// SQLiteDSNForFile derives a DSN with sane pragmas from a database file path.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite chat store: empty file path")
	}
	return "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", nil
}

func NewSQLiteChatStore(dsn string) (*SQLiteChatStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite chat store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteChatStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteChatStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteChatStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite chat store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			conv_id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			persona_id TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			message_id TEXT PRIMARY KEY,
			conv_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			persona_id TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL,
			FOREIGN KEY (conv_id) REFERENCES conversations(conv_id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS personas (
			persona_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			avatar_path TEXT NOT NULL DEFAULT '',
			is_default INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS conversations_by_updated ON conversations(updated_at_ms DESC);`,
		`CREATE INDEX IF NOT EXISTS messages_by_conv ON messages(conv_id, created_at_ms ASC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite chat store: migrate")
		}
	}
	return nil
}

func (s *SQLiteChatStore) CreateConversation(ctx context.Context, conv chat.Conversation) error {
	if strings.TrimSpace(conv.ID) == "" {
		return errors.New("sqlite chat store: conversation id is empty")
	}
	now := time.Now()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = conv.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations(conv_id, title, persona_id, provider, model, summary, created_at_ms, updated_at_ms)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(conv_id) DO UPDATE SET
			title=excluded.title,
			persona_id=excluded.persona_id,
			provider=excluded.provider,
			model=excluded.model,
			summary=excluded.summary,
			updated_at_ms=excluded.updated_at_ms`,
		conv.ID, conv.Title, conv.PersonaID, conv.Provider, conv.Model, conv.Summary,
		conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli())
	if err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	if len(conv.Messages) > 0 {
		return s.AppendMessages(ctx, conv.ID, conv.Messages)
	}
	return nil
}

func (s *SQLiteChatStore) GetConversation(ctx context.Context, convID string) (chat.Conversation, bool, error) {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return chat.Conversation{}, false, errors.New("sqlite chat store: conversation id is empty")
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT conv_id, title, persona_id, provider, model, summary, created_at_ms, updated_at_ms
		 FROM conversations WHERE conv_id = ?`, convID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return chat.Conversation{}, false, nil
	}
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(chat.ErrStorage, err.Error())
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, role, content, persona_id, created_at_ms
		 FROM messages WHERE conv_id = ? ORDER BY created_at_ms ASC, message_id ASC`, convID)
	if err != nil {
		return chat.Conversation{}, false, errors.Wrap(chat.ErrStorage, err.Error())
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m chat.Message
		var createdAtMs int64
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &m.PersonaID, &createdAtMs); err != nil {
			return chat.Conversation{}, false, errors.Wrap(chat.ErrStorage, err.Error())
		}
		m.CreatedAt = time.UnixMilli(createdAtMs)
		conv.Messages = append(conv.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return chat.Conversation{}, false, errors.Wrap(chat.ErrStorage, err.Error())
	}
	return conv, true, nil
}

func (s *SQLiteChatStore) ListConversations(ctx context.Context) ([]chat.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conv_id, title, persona_id, provider, model, summary, created_at_ms, updated_at_ms
		 FROM conversations ORDER BY updated_at_ms DESC`)
	if err != nil {
		return nil, errors.Wrap(chat.ErrStorage, err.Error())
	}
	defer func() { _ = rows.Close() }()
	var out []chat.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, errors.Wrap(chat.ErrStorage, err.Error())
		}
		out = append(out, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(chat.ErrStorage, err.Error())
	}
	return out, nil
}

func (s *SQLiteChatStore) UpdateConversation(ctx context.Context, convID string, upd ConversationUpdate) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("sqlite chat store: conversation id is empty")
	}
	sets := []string{}
	args := []any{}
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *upd.Summary)
	}
	if upd.PersonaID != nil {
		sets = append(sets, "persona_id = ?")
		args = append(args, *upd.PersonaID)
	}
	if upd.Provider != nil {
		sets = append(sets, "provider = ?")
		args = append(args, *upd.Provider)
	}
	if upd.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *upd.Model)
	}
	if upd.UpdatedAt != nil {
		sets = append(sets, "updated_at_ms = ?")
		args = append(args, upd.UpdatedAt.UnixMilli())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, convID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET "+strings.Join(sets, ", ")+" WHERE conv_id = ?", args...)
	if err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(chat.ErrStorage, "conversation not found: %s", convID)
	}
	return nil
}

func (s *SQLiteChatStore) DeleteConversation(ctx context.Context, convID string) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("sqlite chat store: conversation id is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	// Explicit cascade: foreign_keys pragma is DSN-dependent.
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conv_id = ?`, convID); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE conv_id = ?`, convID); err != nil {
		_ = tx.Rollback()
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	return nil
}

func (s *SQLiteChatStore) AppendMessages(ctx context.Context, convID string, msgs []chat.Message) error {
	convID = strings.TrimSpace(convID)
	if convID == "" {
		return errors.New("sqlite chat store: conversation id is empty")
	}
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO messages(message_id, conv_id, role, content, persona_id, created_at_ms)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(message_id) DO UPDATE SET
			content=excluded.content,
			persona_id=excluded.persona_id,
			created_at_ms=excluded.created_at_ms`)
	if err != nil {
		_ = tx.Rollback()
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	defer func() { _ = stmt.Close() }()
	for _, m := range msgs {
		if strings.TrimSpace(m.ID) == "" {
			_ = tx.Rollback()
			return errors.New("sqlite chat store: message id is empty")
		}
		if _, err := stmt.ExecContext(ctx, m.ID, convID, string(m.Role), m.Content, m.PersonaID, m.CreatedAt.UnixMilli()); err != nil {
			_ = tx.Rollback()
			return errors.Wrap(chat.ErrStorage, err.Error())
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	return nil
}

func (s *SQLiteChatStore) UpdateMessage(ctx context.Context, msgID string, upd MessageUpdate) error {
	msgID = strings.TrimSpace(msgID)
	if msgID == "" {
		return errors.New("sqlite chat store: message id is empty")
	}
	sets := []string{}
	args := []any{}
	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.PersonaID != nil {
		sets = append(sets, "persona_id = ?")
		args = append(args, *upd.PersonaID)
	}
	if upd.CreatedAt != nil {
		sets = append(sets, "created_at_ms = ?")
		args = append(args, upd.CreatedAt.UnixMilli())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, msgID)
	res, err := s.db.ExecContext(ctx,
		"UPDATE messages SET "+strings.Join(sets, ", ")+" WHERE message_id = ?", args...)
	if err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Wrapf(chat.ErrStorage, "message not found: %s", msgID)
	}
	return nil
}

func (s *SQLiteChatStore) SearchMessages(ctx context.Context, query string) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT conv_id, message_id, role, content, persona_id, created_at_ms
		 FROM messages WHERE content LIKE ? ESCAPE '\'
		 ORDER BY created_at_ms DESC LIMIT 200`, pattern)
	if err != nil {
		return nil, errors.Wrap(chat.ErrStorage, err.Error())
	}
	defer func() { _ = rows.Close() }()
	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var createdAtMs int64
		if err := rows.Scan(&r.ConvID, &r.Message.ID, &r.Message.Role, &r.Message.Content, &r.Message.PersonaID, &createdAtMs); err != nil {
			return nil, errors.Wrap(chat.ErrStorage, err.Error())
		}
		r.Message.CreatedAt = time.UnixMilli(createdAtMs)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(chat.ErrStorage, err.Error())
	}
	return out, nil
}

func (s *SQLiteChatStore) UpsertPersona(ctx context.Context, p chat.Persona) error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("sqlite chat store: persona id is empty")
	}
	isDefault := 0
	if p.Default {
		isDefault = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO personas(persona_id, name, description, avatar_path, is_default)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(persona_id) DO UPDATE SET
			name=excluded.name,
			description=excluded.description,
			avatar_path=excluded.avatar_path,
			is_default=excluded.is_default`,
		p.ID, p.Name, p.Description, p.AvatarPath, isDefault)
	if err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	return nil
}

func (s *SQLiteChatStore) GetPersona(ctx context.Context, id string) (chat.Persona, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return chat.Persona{}, false, errors.New("sqlite chat store: persona id is empty")
	}
	var p chat.Persona
	var isDefault int
	err := s.db.QueryRowContext(ctx,
		`SELECT persona_id, name, description, avatar_path, is_default FROM personas WHERE persona_id = ?`, id).
		Scan(&p.ID, &p.Name, &p.Description, &p.AvatarPath, &isDefault)
	if err == sql.ErrNoRows {
		return chat.Persona{}, false, nil
	}
	if err != nil {
		return chat.Persona{}, false, errors.Wrap(chat.ErrStorage, err.Error())
	}
	p.Default = isDefault != 0
	return p, true, nil
}

func (s *SQLiteChatStore) ListPersonas(ctx context.Context) ([]chat.Persona, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT persona_id, name, description, avatar_path, is_default FROM personas ORDER BY name ASC`)
	if err != nil {
		return nil, errors.Wrap(chat.ErrStorage, err.Error())
	}
	defer func() { _ = rows.Close() }()
	var out []chat.Persona
	for rows.Next() {
		var p chat.Persona
		var isDefault int
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.AvatarPath, &isDefault); err != nil {
			return nil, errors.Wrap(chat.ErrStorage, err.Error())
		}
		p.Default = isDefault != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(chat.ErrStorage, err.Error())
	}
	return out, nil
}

func (s *SQLiteChatStore) DeletePersona(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("sqlite chat store: persona id is empty")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM personas WHERE persona_id = ?`, id); err != nil {
		return errors.Wrap(chat.ErrStorage, err.Error())
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (chat.Conversation, error) {
	var conv chat.Conversation
	var createdAtMs, updatedAtMs int64
	if err := row.Scan(&conv.ID, &conv.Title, &conv.PersonaID, &conv.Provider, &conv.Model, &conv.Summary, &createdAtMs, &updatedAtMs); err != nil {
		return chat.Conversation{}, err
	}
	conv.CreatedAt = time.UnixMilli(createdAtMs)
	conv.UpdatedAt = time.UnixMilli(updatedAtMs)
	return conv, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

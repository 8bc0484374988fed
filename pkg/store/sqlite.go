package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/botchat/pkg/chat"
)

// SQLiteStore persists bots, chats, messages and settings in a single
// sqlite database. Write serialization per row comes from sqlite's own
// locking; the store adds no locks of its own.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	// Serialize writers; sqlite handles one writer at a time anyway and
	// this avoids SQLITE_BUSY under concurrent snapshot updates.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			avatar TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS chats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_id INTEGER NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			files_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at_ms, id);`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			api_key TEXT NOT NULL DEFAULT '',
			base_url TEXT NOT NULL DEFAULT '',
			max_tokens INTEGER NOT NULL DEFAULT 0,
			temperature REAL NOT NULL DEFAULT 0,
			top_p REAL NOT NULL DEFAULT 0,
			stream INTEGER NOT NULL DEFAULT 1,
			headers_json TEXT NOT NULL DEFAULT ''
		);`,
		`INSERT OR IGNORE INTO settings (id) VALUES (1);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) CreateBot(ctx context.Context, b chat.Bot) (chat.Bot, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO bots (name, avatar, color, description, model) VALUES (?, ?, ?, ?, ?)`,
		b.Name, b.Avatar, b.Color, b.Description, b.Model)
	if err != nil {
		return chat.Bot{}, errors.Wrap(err, "create bot")
	}
	b.ID, err = res.LastInsertId()
	if err != nil {
		return chat.Bot{}, errors.Wrap(err, "create bot: id")
	}
	return b, nil
}

func (s *SQLiteStore) GetBot(ctx context.Context, id int64) (chat.Bot, error) {
	var b chat.Bot
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, avatar, color, description, model FROM bots WHERE id = ?`, id).
		Scan(&b.ID, &b.Name, &b.Avatar, &b.Color, &b.Description, &b.Model)
	if err == sql.ErrNoRows {
		return chat.Bot{}, ErrNotFound
	}
	if err != nil {
		return chat.Bot{}, errors.Wrap(err, "get bot")
	}
	return b, nil
}

func (s *SQLiteStore) ListBots(ctx context.Context) ([]chat.Bot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, avatar, color, description, model FROM bots ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list bots")
	}
	defer func() { _ = rows.Close() }()
	out := []chat.Bot{}
	for rows.Next() {
		var b chat.Bot
		if err := rows.Scan(&b.ID, &b.Name, &b.Avatar, &b.Color, &b.Description, &b.Model); err != nil {
			return nil, errors.Wrap(err, "list bots: scan")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateBot(ctx context.Context, b chat.Bot) (chat.Bot, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE bots SET name = ?, avatar = ?, color = ?, description = ?, model = ? WHERE id = ?`,
		b.Name, b.Avatar, b.Color, b.Description, b.Model, b.ID)
	if err != nil {
		return chat.Bot{}, errors.Wrap(err, "update bot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Bot{}, ErrNotFound
	}
	return b, nil
}

func (s *SQLiteStore) DeleteBot(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete bot")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateChat(ctx context.Context, c chat.Chat) (chat.Chat, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (bot_id, title, created_at_ms) VALUES (?, ?, ?)`,
		c.BotID, c.Title, c.CreatedAt.UnixMilli())
	if err != nil {
		return chat.Chat{}, errors.Wrap(err, "create chat")
	}
	c.ID, err = res.LastInsertId()
	if err != nil {
		return chat.Chat{}, errors.Wrap(err, "create chat: id")
	}
	return c, nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, id int64) (chat.Chat, error) {
	var c chat.Chat
	var createdMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, bot_id, title, created_at_ms FROM chats WHERE id = ?`, id).
		Scan(&c.ID, &c.BotID, &c.Title, &createdMs)
	if err == sql.ErrNoRows {
		return chat.Chat{}, ErrNotFound
	}
	if err != nil {
		return chat.Chat{}, errors.Wrap(err, "get chat")
	}
	c.CreatedAt = time.UnixMilli(createdMs)
	return c, nil
}

func (s *SQLiteStore) ListChats(ctx context.Context, botID int64) ([]chat.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bot_id, title, created_at_ms FROM chats WHERE bot_id = ? ORDER BY created_at_ms, id`, botID)
	if err != nil {
		return nil, errors.Wrap(err, "list chats")
	}
	defer func() { _ = rows.Close() }()
	out := []chat.Chat{}
	for rows.Next() {
		var c chat.Chat
		var createdMs int64
		if err := rows.Scan(&c.ID, &c.BotID, &c.Title, &createdMs); err != nil {
			return nil, errors.Wrap(err, "list chats: scan")
		}
		c.CreatedAt = time.UnixMilli(createdMs)
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteChat removes the chat and its messages in one transaction so
// a failure never orphans messages.
func (s *SQLiteStore) DeleteChat(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "delete chat: begin")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete chat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, id); err != nil {
		return errors.Wrap(err, "delete chat: messages")
	}
	return errors.Wrap(tx.Commit(), "delete chat: commit")
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m chat.Message) (chat.Message, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	filesJSON, err := json.Marshal(m.Files)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "create message: files")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, content, files_json, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		m.ChatID, string(m.Role), m.Content, string(filesJSON), m.CreatedAt.UnixMilli())
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "create message")
	}
	m.ID, err = res.LastInsertId()
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "create message: id")
	}
	return m, nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, chat_id, role, content, files_json, created_at_ms FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row.Scan)
	if err == sql.ErrNoRows {
		return chat.Message{}, ErrNotFound
	}
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "get message")
	}
	return m, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, chatID int64) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, role, content, files_json, created_at_ms FROM messages
		 WHERE chat_id = ? ORDER BY created_at_ms, id`, chatID)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer func() { _ = rows.Close() }()
	out := []chat.Message{}
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, errors.Wrap(err, "list messages: scan")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpdateMessageContent(ctx context.Context, id int64, content string) (chat.Message, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, id)
	if err != nil {
		return chat.Message{}, errors.Wrap(err, "update message content")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.Message{}, ErrNotFound
	}
	return s.GetMessage(ctx, id)
}

func (s *SQLiteStore) DeleteMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "delete message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetSettings(ctx context.Context) (chat.Settings, error) {
	var st chat.Settings
	var stream int
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key, base_url, max_tokens, temperature, top_p, stream, headers_json FROM settings WHERE id = 1`).
		Scan(&st.APIKey, &st.BaseURL, &st.MaxTokens, &st.Temperature, &st.TopP, &stream, &st.ExtraHeaders)
	if err != nil {
		return chat.Settings{}, errors.Wrap(err, "get settings")
	}
	st.Stream = stream != 0
	return st, nil
}

func (s *SQLiteStore) UpdateSettings(ctx context.Context, st chat.Settings) (chat.Settings, error) {
	stream := 0
	if st.Stream {
		stream = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE settings SET api_key = ?, base_url = ?, max_tokens = ?, temperature = ?, top_p = ?, stream = ?, headers_json = ? WHERE id = 1`,
		st.APIKey, st.BaseURL, st.MaxTokens, st.Temperature, st.TopP, stream, st.ExtraHeaders)
	if err != nil {
		return chat.Settings{}, errors.Wrap(err, "update settings")
	}
	return st, nil
}

func scanMessage(scan func(dest ...any) error) (chat.Message, error) {
	var m chat.Message
	var role, filesJSON string
	var createdMs int64
	if err := scan(&m.ID, &m.ChatID, &role, &m.Content, &filesJSON, &createdMs); err != nil {
		return chat.Message{}, err
	}
	m.Role = chat.Role(role)
	m.CreatedAt = time.UnixMilli(createdMs)
	if filesJSON != "" && filesJSON != "[]" {
		if err := json.Unmarshal([]byte(filesJSON), &m.Files); err != nil {
			return chat.Message{}, err
		}
	}
	return m, nil
}

package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS messages (
	message_id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_author_login TEXT NOT NULL,
	message_author_name TEXT NOT NULL DEFAULT '',
	message_name_color TEXT NOT NULL DEFAULT '',
	message_text TEXT NOT NULL,
	message_visible INTEGER NOT NULL DEFAULT 1,
	message_timestamp INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(message_author_login);

CREATE TABLE IF NOT EXISTS auth_sessions (
	auth_token TEXT PRIMARY KEY,
	auth_login TEXT NOT NULL,
	auth_misc_info TEXT NOT NULL DEFAULT '',
	auth_active INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS bans (
	ban_login TEXT PRIMARY KEY,
	ban_state INTEGER NOT NULL,
	ban_comment TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS admins (
	admin_login TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS server_config (
	conf_name TEXT PRIMARY KEY,
	conf_value TEXT NOT NULL
);
`

// defaultBanComment is recorded when an admin does not bother to
// explain themself.
const defaultBanComment = "Modified by Airin Admin tools"

// DB is the SQLite-backed Store implementation. Reads go through a
// pooled connection set, writes are serialized on a single dedicated
// connection so concurrent writers queue instead of hitting
// SQLITE_BUSY.
type DB struct {
	conn      *sql.DB
	writeConn *sql.DB

	lastMessageID atomic.Int64
}

var _ Store = (*DB)(nil)

// Open opens (and if needed creates) the database at path and prepares
// the schema.
func Open(path string) (*DB, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to expand home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxOpenConns(25)

	writeConn, err := sql.Open("sqlite", path)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open write connection: %w", err)
	}
	writeConn.SetMaxOpenConns(1)

	db := &DB{conn: conn, writeConn: writeConn}

	for _, pool := range []*sql.DB{conn, writeConn} {
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA synchronous=NORMAL",
			"PRAGMA foreign_keys=ON",
		} {
			if _, err := pool.Exec(pragma); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	}

	if _, err := db.writeConn.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	var last sql.NullInt64
	if err := db.conn.QueryRow("SELECT MAX(message_id) FROM messages").Scan(&last); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read last message id: %w", err)
	}
	db.lastMessageID.Store(last.Int64)

	return db, nil
}

func (db *DB) Close() error {
	err := db.conn.Close()
	if werr := db.writeConn.Close(); err == nil {
		err = werr
	}
	return err
}

func (db *DB) ResolveToken(token string) (string, error) {
	var login string
	err := db.conn.QueryRow(
		"SELECT auth_login FROM auth_sessions WHERE auth_token = ? AND auth_active = 1",
		token,
	).Scan(&login)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve token: %w", err)
	}
	return login, nil
}

func (db *DB) MiscInfo(login string) (string, error) {
	var misc string
	err := db.conn.QueryRow(
		"SELECT auth_misc_info FROM auth_sessions WHERE auth_login = ? AND auth_active = 1 LIMIT 1",
		login,
	).Scan(&misc)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to fetch misc info: %w", err)
	}
	return misc, nil
}

func (db *DB) KillAuthSession(token string) error {
	if _, err := db.writeConn.Exec(
		"UPDATE auth_sessions SET auth_active = 0 WHERE auth_token = ?", token,
	); err != nil {
		return fmt.Errorf("failed to deactivate auth session: %w", err)
	}
	return nil
}

// AddAuthToken registers an authentication token for an identity.
// Tokens are normally provisioned by an external auth frontend, this
// is the administrative entry point for it.
func (db *DB) AddAuthToken(token, login, miscInfo string) error {
	if _, err := db.writeConn.Exec(
		"INSERT OR REPLACE INTO auth_sessions (auth_token, auth_login, auth_misc_info, auth_active) VALUES (?, ?, ?, 1)",
		token, login, miscInfo,
	); err != nil {
		return fmt.Errorf("failed to add auth token: %w", err)
	}
	return nil
}

func (db *DB) BanState(login string) (BanState, error) {
	var state int
	err := db.conn.QueryRow(
		"SELECT ban_state FROM bans WHERE ban_login = ?", login,
	).Scan(&state)
	if err == sql.ErrNoRows {
		return BanNone, nil
	}
	if err != nil {
		return BanNone, fmt.Errorf("failed to fetch ban state: %w", err)
	}
	return BanState(state), nil
}

func (db *DB) SetBan(login string, state BanState, comment string) error {
	if comment == "" {
		comment = defaultBanComment
	}
	if _, err := db.writeConn.Exec(
		"INSERT OR REPLACE INTO bans (ban_login, ban_state, ban_comment) VALUES (?, ?, ?)",
		login, int(state), comment,
	); err != nil {
		return fmt.Errorf("failed to set ban state: %w", err)
	}
	return nil
}

func (db *DB) Bans() ([]BanEntry, error) {
	rows, err := db.conn.Query(
		"SELECT ban_login, ban_state, ban_comment FROM bans WHERE ban_state != ? ORDER BY ban_login",
		int(BanNone),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list bans: %w", err)
	}
	defer rows.Close()

	var entries []BanEntry
	for rows.Next() {
		var e BanEntry
		var state int
		if err := rows.Scan(&e.Login, &state, &e.Comment); err != nil {
			return nil, fmt.Errorf("failed to scan ban entry: %w", err)
		}
		e.State = BanState(state)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (db *DB) IsAdmin(login string) (bool, error) {
	var count int
	if err := db.conn.QueryRow(
		"SELECT COUNT(*) FROM admins WHERE admin_login = ?", login,
	).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check admin list: %w", err)
	}
	return count > 0, nil
}

// AddAdmin puts an identity on the admin white list.
func (db *DB) AddAdmin(login string) error {
	if _, err := db.writeConn.Exec(
		"INSERT OR IGNORE INTO admins (admin_login) VALUES (?)", login,
	); err != nil {
		return fmt.Errorf("failed to add admin: %w", err)
	}
	return nil
}

func (db *DB) AppendMessage(login, text, name, color string, visible bool) (int64, error) {
	res, err := db.writeConn.Exec(
		`INSERT INTO messages (message_author_login, message_author_name, message_name_color, message_text, message_visible, message_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		login, name, color, text, boolToInt(visible), time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message id: %w", err)
	}
	db.lastMessageID.Store(id)
	return id, nil
}

func (db *DB) Message(id int64) (Message, error) {
	var m Message
	var visible int
	var ts int64
	err := db.conn.QueryRow(
		`SELECT message_id, message_author_login, message_author_name, message_name_color, message_text, message_visible, message_timestamp
		 FROM messages WHERE message_id = ?`, id,
	).Scan(&m.ID, &m.Login, &m.Name, &m.Color, &m.Text, &visible, &ts)
	if err == sql.ErrNoRows {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("failed to fetch message: %w", err)
	}
	m.Visible = visible != 0
	m.Timestamp = time.Unix(ts, 0)
	return m, nil
}

func (db *DB) Messages(amount, from int, viewer string) ([]Message, error) {
	if amount <= 0 {
		return nil, nil
	}
	if from <= 0 {
		from = int(db.lastMessageID.Load()) - amount + 1
		if from < 1 {
			from = 1
		}
	}

	rows, err := db.conn.Query(
		`SELECT message_id, message_author_login, message_author_name, message_name_color, message_text, message_visible, message_timestamp
		 FROM messages
		 WHERE message_id >= ? AND (message_visible = 1 OR message_author_login = ?)
		 ORDER BY message_id ASC LIMIT ?`,
		from, viewer, amount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var visible int
		var ts int64
		if err := rows.Scan(&m.ID, &m.Login, &m.Name, &m.Color, &m.Text, &visible, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.Visible = visible != 0
		m.Timestamp = time.Unix(ts, 0)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (db *DB) LastMessageID() int64 {
	return db.lastMessageID.Load()
}

func (db *DB) SetMessageVisible(id int64, visible bool) error {
	res, err := db.writeConn.Exec(
		"UPDATE messages SET message_visible = ? WHERE message_id = ?",
		boolToInt(visible), id,
	)
	if err != nil {
		return fmt.Errorf("failed to update message visibility: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if affected == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (db *DB) UserNames(login string) ([]string, error) {
	rows, err := db.conn.Query(
		"SELECT DISTINCT message_author_name FROM messages WHERE message_author_login = ? AND message_author_name != ''",
		login,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query user names: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan user name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (db *DB) Config() (map[string]string, error) {
	rows, err := db.conn.Query("SELECT conf_name, conf_value FROM server_config")
	if err != nil {
		return nil, fmt.Errorf("failed to query config: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config entry: %w", err)
		}
		values[name] = value
	}
	return values, rows.Err()
}

func (db *DB) SetConfig(key, value string) error {
	if _, err := db.writeConn.Exec(
		"INSERT OR REPLACE INTO server_config (conf_name, conf_value) VALUES (?, ?)",
		key, value,
	); err != nil {
		return fmt.Errorf("failed to store config entry: %w", err)
	}
	return nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

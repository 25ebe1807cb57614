// ABOUTME: SQLite implementation of the session Store using modernc.org/sqlite
// ABOUTME: Owns the workspace directory and provisions per-channel subdirectories

package session

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a sessions.db inside the workspace
// directory. Each channel gets a subdirectory of the workspace; a
// workspace/template directory, when present, seeds new channels.
type SQLiteStore struct {
	db        *sql.DB
	workspace string
	logger    *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the workspace directory and the
// database inside it. The schema is created automatically.
func NewSQLiteStore(workspacePath string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "session")

	if err := os.MkdirAll(workspacePath, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace directory: %w", err)
	}

	dbPath := filepath.Join(workspacePath, "sessions.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:        db,
		workspace: workspacePath,
		logger:    logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "workspace", workspacePath, "db", dbPath)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS channels (
			channel_name TEXT PRIMARY KEY,
			room_id TEXT NOT NULL UNIQUE,
			session_id TEXT NOT NULL,
			directory TEXT NOT NULL,
			started INTEGER NOT NULL DEFAULT 0,
			backend_type TEXT NOT NULL DEFAULT 'direct',
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

const channelColumns = "channel_name, room_id, session_id, directory, started, backend_type, created_at"

func scanChannel(row *sql.Row) (*Channel, error) {
	var c Channel
	var started int
	err := row.Scan(&c.ChannelName, &c.RoomID, &c.SessionID, &c.Directory, &started, &c.BackendType, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning channel: %w", err)
	}
	c.Started = started != 0
	if err := c.ValidateDirectory(); err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateChannel inserts the row first so concurrent creates race on the
// database, then provisions the channel directory.
func (s *SQLiteStore) CreateChannel(ctx context.Context, channelName, roomID, backendType string) (*Channel, error) {
	channelName = strings.ToLower(channelName)
	if err := ValidateChannelName(channelName); err != nil {
		return nil, err
	}

	channelDir := filepath.Join(s.workspace, channelName)
	c := &Channel{
		ChannelName: channelName,
		RoomID:      roomID,
		SessionID:   uuid.NewString(),
		Directory:   channelDir,
		Started:     false,
		BackendType: backendType,
		CreatedAt:   time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_name, room_id, session_id, directory, started, backend_type, created_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		c.ChannelName, c.RoomID, c.SessionID, c.Directory, c.BackendType, c.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "constraint failed") {
			return nil, ErrChannelExists
		}
		return nil, fmt.Errorf("inserting channel: %w", err)
	}

	if err := s.provisionDirectory(c); err != nil {
		return nil, err
	}

	s.logger.Info("channel created",
		"channel", c.ChannelName,
		"room_id", c.RoomID,
		"session_id", c.SessionID,
		"backend", c.BackendType)
	return c, nil
}

// provisionDirectory creates the channel directory unless it already exists,
// seeding it from workspace/template when one is present. An existing
// directory is inherited untouched.
func (s *SQLiteStore) provisionDirectory(c *Channel) error {
	if _, err := os.Stat(c.Directory); err == nil {
		s.logger.Info("inheriting existing workspace directory",
			"channel", c.ChannelName, "directory", c.Directory)
		return nil
	}

	if err := os.MkdirAll(c.Directory, 0755); err != nil {
		return fmt.Errorf("creating channel directory: %w", err)
	}

	templateDir := filepath.Join(s.workspace, "template")
	if info, err := os.Stat(templateDir); err == nil && info.IsDir() {
		if err := copyDirContents(templateDir, c.Directory); err != nil {
			return fmt.Errorf("copying template directory: %w", err)
		}
		s.logger.Info("copied template to new channel",
			"template", templateDir, "destination", c.Directory)
	}
	return nil
}

func copyDirContents(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := os.MkdirAll(dstPath, 0755); err != nil {
				return err
			}
			if err := copyDirContents(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}

// GetByName looks a channel up by its lowercase name.
func (s *SQLiteStore) GetByName(ctx context.Context, channelName string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE channel_name = ?",
		strings.ToLower(channelName))
	return scanChannel(row)
}

// GetByRoom looks a channel up by room ID.
func (s *SQLiteStore) GetByRoom(ctx context.Context, roomID string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE room_id = ?", roomID)
	return scanChannel(row)
}

// GetBySessionID looks a channel up by backend session ID.
func (s *SQLiteStore) GetBySessionID(ctx context.Context, sessionID string) (*Channel, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+channelColumns+" FROM channels WHERE session_id = ?", sessionID)
	return scanChannel(row)
}

// MarkStarted flips the started flag for the channel in the given room.
func (s *SQLiteStore) MarkStarted(ctx context.Context, roomID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE channels SET started = 1 WHERE room_id = ?", roomID)
	if err != nil {
		return fmt.Errorf("marking channel started: %w", err)
	}
	return nil
}

// UpdateSessionID records a rotated backend session ID for the channel.
func (s *SQLiteStore) UpdateSessionID(ctx context.Context, channelName, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE channels SET session_id = ? WHERE channel_name = ?",
		sessionID, strings.ToLower(channelName))
	if err != nil {
		return fmt.Errorf("updating session id: %w", err)
	}
	return nil
}

// ListAll returns every channel, newest first.
func (s *SQLiteStore) ListAll(ctx context.Context) ([]*Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+channelColumns+" FROM channels ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var channels []*Channel
	for rows.Next() {
		var c Channel
		var started int
		if err := rows.Scan(&c.ChannelName, &c.RoomID, &c.SessionID, &c.Directory, &started, &c.BackendType, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning channel: %w", err)
		}
		c.Started = started != 0
		channels = append(channels, &c)
	}
	return channels, rows.Err()
}

// DeleteChannel removes a channel row. The workspace directory is left in
// place so its contents can be inherited by a future channel of the same
// name.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, channelName string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM channels WHERE channel_name = ?", strings.ToLower(channelName))
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	s.logger.Info("channel deleted", "channel", channelName)
	return nil
}

// GetSetting reads a settings value; empty string means unset.
func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts a settings value.
func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		return fmt.Errorf("writing setting %q: %w", key, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package audit

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"path/filepath"
	"time"

	_ "github.com/mutecomm/go-sqlcipher/v4" // SQLCipher driver for encrypted SQLite

	"github.com/opsgate/opsgate/internal/fileutil"
	"github.com/opsgate/opsgate/internal/logger"
	"github.com/opsgate/opsgate/internal/types"
)

var log = logger.New("audit")

// MinEncryptionKeyLength is the minimum required length for encryption keys.
const MinEncryptionKeyLength = 16

const schema = `
CREATE TABLE IF NOT EXISTS command_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    command TEXT NOT NULL,
    timestamp TEXT NOT NULL,
    user TEXT NOT NULL,
    output TEXT NOT NULL DEFAULT '',
    success INTEGER NOT NULL,
    sandbox_id TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL DEFAULT '',
    risk_score INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_command_records_user ON command_records(user);
CREATE INDEX IF NOT EXISTS idx_command_records_timestamp ON command_records(timestamp);

CREATE TABLE IF NOT EXISTS cost_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT NOT NULL,
    user TEXT NOT NULL,
    model TEXT NOT NULL,
    total_tokens INTEGER NOT NULL,
    cost_usd REAL NOT NULL,
    command TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cost_entries_user ON cost_entries(user);
`

// Entry is one audited command with its policy outcome.
type Entry struct {
	Record    types.CommandRecord
	SandboxID string
	Action    types.Action
	RiskScore int
}

// CostEntry is one persisted cost row.
type CostEntry struct {
	Timestamp   time.Time
	User        string
	Model       string
	TotalTokens int
	CostUSD     float64
	Command     string
}

// Storage is the SQLite/SQLCipher-backed audit log.
type Storage struct {
	conn      *sql.DB
	encrypted bool
}

// NewStorage opens (creating if needed) the audit database. A non-empty
// encryptionKey enables SQLCipher; the key travels as a DSN parameter, not
// a PRAGMA, so it cannot be injected into.
func NewStorage(dbPath, encryptionKey string) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := fileutil.SecureMkdirAll(dir); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}

	params := url.Values{}
	params.Set("_busy_timeout", "5000")
	params.Set("_journal_mode", "WAL")
	params.Set("_foreign_keys", "1")

	if encryptionKey != "" {
		if len(encryptionKey) < MinEncryptionKeyLength {
			return nil, fmt.Errorf("encryption key must be at least %d characters", MinEncryptionKeyLength)
		}
		params.Set("_pragma_key", encryptionKey)
	}

	conn, err := sql.Open("sqlite3", dbPath+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	// SQLite allows one writer; a single Go-level connection avoids
	// SQLITE_BUSY under concurrent use.
	conn.SetMaxOpenConns(1)

	encrypted := false
	if encryptionKey != "" {
		var one int
		if err := conn.QueryRowContext(context.Background(), "SELECT 1").Scan(&one); err != nil {
			conn.Close()
			return nil, fmt.Errorf("encryption key verification failed: %w", err)
		}
		encrypted = true
		log.Info("Audit database encryption enabled")
	}

	if _, err := conn.ExecContext(context.Background(), schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}

	return &Storage{conn: conn, encrypted: encrypted}, nil
}

// IsEncrypted reports whether SQLCipher encryption is active.
func (s *Storage) IsEncrypted() bool { return s.encrypted }

// Close closes the database connection.
func (s *Storage) Close() error { return s.conn.Close() }

// AppendEntry persists one audited command.
func (s *Storage) AppendEntry(ctx context.Context, e Entry) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO command_records (command, timestamp, user, output, success, sandbox_id, action, risk_score)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Record.Command,
		e.Record.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Record.User,
		e.Record.Output,
		boolToInt(e.Record.Success),
		e.SandboxID,
		string(e.Action),
		e.RiskScore,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

// EntriesForUser returns a user's audit entries, oldest first, up to limit
// (0 means no limit).
func (s *Storage) EntriesForUser(ctx context.Context, user string, limit int) ([]Entry, error) {
	query := `
		SELECT command, timestamp, user, output, success, sandbox_id, action, risk_score
		FROM command_records WHERE user = ? ORDER BY id`
	args := []any{user}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			ts      string
			success int
			action  string
		)
		if err := rows.Scan(&e.Record.Command, &ts, &e.Record.User, &e.Record.Output,
			&success, &e.SandboxID, &action, &e.RiskScore); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Record.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
		}
		e.Record.Success = success != 0
		e.Action = types.Action(action)
		out = append(out, e)
	}
	return out, rows.Err()
}

// AppendCost persists one cost row.
func (s *Storage) AppendCost(ctx context.Context, c CostEntry) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO cost_entries (timestamp, user, model, total_tokens, cost_usd, command)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.Timestamp.UTC().Format(time.RFC3339Nano),
		c.User,
		c.Model,
		c.TotalTokens,
		c.CostUSD,
		c.Command,
	)
	if err != nil {
		return fmt.Errorf("append cost entry: %w", err)
	}
	return nil
}

// CostTotals returns total tokens and USD spend for one user, or across
// all users when user is empty.
func (s *Storage) CostTotals(ctx context.Context, user string) (tokens int, usd float64, err error) {
	query := `SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0) FROM cost_entries`
	var args []any
	if user != "" {
		query += " WHERE user = ?"
		args = append(args, user)
	}
	if err := s.conn.QueryRowContext(ctx, query, args...).Scan(&tokens, &usd); err != nil {
		return 0, 0, fmt.Errorf("query cost totals: %w", err)
	}
	return tokens, usd, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

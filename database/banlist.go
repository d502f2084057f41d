// Package database persists ban-list records in SQLite.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/banhammer/banhammer/logger"

	jsoniter "github.com/json-iterator/go"
	_ "modernc.org/sqlite"
)

var ErrBanListClosed = errors.New("ban list database is closed")

// BanRecord is one persisted ban-list row.
type BanRecord struct {
	ID                int64     `json:"id"`
	Email             string    `json:"email"`
	TelegramID        string    `json:"telegram_id"`
	Description       string    `json:"description"`
	IPCount           int       `json:"ip_count"`
	IPs               []string  `json:"ips"`
	Nodes             []string  `json:"nodes"`
	ViolationDuration int       `json:"violation_duration"`
	DetectedAt        time.Time `json:"detected_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// BanList is the SQLite-backed ban-list sink.
type BanList struct {
	db *sql.DB
}

// NewBanList opens (or creates) the ban-list database at the given path.
func NewBanList(path string) (*BanList, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ban list database: %w", err)
	}

	// WAL mode keeps sweep writes from blocking API reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	banList := &BanList{db: db}
	if err := banList.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.GetLogger().Info().Str("path", path).Msg("ban list database initialized")
	return banList, nil
}

func (b *BanList) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS banlist (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL,
		telegram_id TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		ip_count INTEGER NOT NULL DEFAULT 0,
		ips TEXT NOT NULL DEFAULT '[]',
		nodes TEXT NOT NULL DEFAULT '[]',
		violation_duration INTEGER NOT NULL DEFAULT 0,
		detected_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_banlist_email_detected ON banlist(email, detected_at);
	`

	_, err := b.db.Exec(schema)
	return err
}

// ActiveBan returns the most recent ban for the email within the lookback
// period, or nil if there is none.
func (b *BanList) ActiveBan(email string, lookback time.Duration) (*BanRecord, error) {
	row := b.db.QueryRow(`
		SELECT id, email, telegram_id, description, ip_count, ips, nodes, violation_duration, detected_at, updated_at
		FROM banlist
		WHERE email = ? AND detected_at >= ?
		ORDER BY detected_at DESC
		LIMIT 1`, email, time.Now().Add(-lookback))

	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query active ban: %w", err)
	}
	return record, nil
}

// Insert creates a new ban record and returns its id.
func (b *BanList) Insert(record BanRecord) (int64, error) {
	ips, err := jsoniter.MarshalToString(emptyIfNil(record.IPs))
	if err != nil {
		return 0, fmt.Errorf("failed to encode ips: %w", err)
	}
	nodes, err := jsoniter.MarshalToString(emptyIfNil(record.Nodes))
	if err != nil {
		return 0, fmt.Errorf("failed to encode nodes: %w", err)
	}

	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.DetectedAt
	}

	result, err := b.db.Exec(`
		INSERT INTO banlist (email, telegram_id, description, ip_count, ips, nodes, violation_duration, detected_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Email,
		record.TelegramID,
		record.Description,
		record.IPCount,
		ips,
		nodes,
		record.ViolationDuration,
		record.DetectedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ban record: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read ban record id: %w", err)
	}
	return id, nil
}

// Update refreshes an existing ban record with the latest violation shape.
func (b *BanList) Update(id int64, ipCount int, ips, nodes []string, violationDuration int) error {
	ipsJSON, err := jsoniter.MarshalToString(emptyIfNil(ips))
	if err != nil {
		return fmt.Errorf("failed to encode ips: %w", err)
	}
	nodesJSON, err := jsoniter.MarshalToString(emptyIfNil(nodes))
	if err != nil {
		return fmt.Errorf("failed to encode nodes: %w", err)
	}

	_, err = b.db.Exec(`
		UPDATE banlist
		SET ip_count = ?, ips = ?, nodes = ?, violation_duration = ?, updated_at = ?
		WHERE id = ?`,
		ipCount, ipsJSON, nodesJSON, violationDuration, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update ban record: %w", err)
	}
	return nil
}

// List returns ban records detected within the last N hours, newest first.
func (b *BanList) List(hours int) ([]BanRecord, error) {
	rows, err := b.db.Query(`
		SELECT id, email, telegram_id, description, ip_count, ips, nodes, violation_duration, detected_at, updated_at
		FROM banlist
		WHERE detected_at >= ?
		ORDER BY detected_at DESC`, time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to list ban records: %w", err)
	}
	defer rows.Close()

	var records []BanRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ban record: %w", err)
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// Clear deletes every ban record and returns how many were removed.
func (b *BanList) Clear() (int64, error) {
	result, err := b.db.Exec("DELETE FROM banlist")
	if err != nil {
		return 0, fmt.Errorf("failed to clear ban list: %w", err)
	}
	deleted, _ := result.RowsAffected()
	return deleted, nil
}

// Purge drops records whose last update is older than the TTL.
func (b *BanList) Purge(ttl time.Duration) (int64, error) {
	result, err := b.db.Exec("DELETE FROM banlist WHERE updated_at < ?", time.Now().Add(-ttl))
	if err != nil {
		return 0, fmt.Errorf("failed to purge ban list: %w", err)
	}

	deleted, _ := result.RowsAffected()
	if deleted > 0 {
		logger.GetLogger().Info().Int64("deleted", deleted).Dur("ttl", ttl).Msg("purged expired ban records")
	}
	return deleted, nil
}

// Close closes the database connection.
func (b *BanList) Close() error {
	return b.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*BanRecord, error) {
	var record BanRecord
	var ips, nodes string
	err := row.Scan(
		&record.ID,
		&record.Email,
		&record.TelegramID,
		&record.Description,
		&record.IPCount,
		&ips,
		&nodes,
		&record.ViolationDuration,
		&record.DetectedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := jsoniter.UnmarshalFromString(ips, &record.IPs); err != nil {
		return nil, fmt.Errorf("failed to decode ips: %w", err)
	}
	if err := jsoniter.UnmarshalFromString(nodes, &record.Nodes); err != nil {
		return nil, fmt.Errorf("failed to decode nodes: %w", err)
	}
	return &record, nil
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

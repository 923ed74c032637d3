// Package attachment records message-attachment metadata and emits change
// notifications. Records are insert-only: an attachment is created exactly
// once per successful upload and never mutated, only deleted.
package attachment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/quillchat/quillchat/internal/logging"
	"github.com/quillchat/quillchat/internal/metrics"
)

var (
	// ErrDuplicatePathID is returned by Create when the path id is
	// already recorded. Path ids are unique per upload, so this
	// indicates a caller reusing a key.
	ErrDuplicatePathID = errors.New("attachment: duplicate path id")

	// ErrRecordNotFound is returned when no record exists for a path id.
	ErrRecordNotFound = errors.New("attachment: record not found")
)

// Record is one attachment's metadata.
type Record struct {
	ID         int64
	FileName   string
	PathID     string
	OwnerID    int64
	RealmID    int64
	Size       int64
	CreateTime time.Time
}

// MetadataStore is the durable store for attachment records.
type MetadataStore interface {
	Create(ctx context.Context, rec *Record) error
	GetByPathID(ctx context.Context, pathID string) (*Record, error)
	Delete(ctx context.Context, pathID string) (bool, error)
}

// PostgresStore implements MetadataStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and verifies connectivity.
func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for use by other packages.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// UpdateConnectionMetrics updates the database connection metrics.
func (s *PostgresStore) UpdateConnectionMetrics() {
	stats := s.db.Stats()
	metrics.SetDBConnectionsOpen(stats.OpenConnections)
}

// Migrate runs SQL migration files.
func (s *PostgresStore) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// Create inserts one attachment record. The unique index on path_id makes
// accidental key reuse a visible error rather than a silent overwrite.
func (s *PostgresStore) Create(ctx context.Context, rec *Record) error {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("attachment_create", time.Since(start)) }()

	err := s.db.QueryRowContext(ctx,
		`INSERT INTO attachments (file_name, path_id, owner_id, realm_id, size, create_time)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		rec.FileName, rec.PathID, rec.OwnerID, rec.RealmID, rec.Size, rec.CreateTime,
	).Scan(&rec.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("create %s: %w", rec.PathID, ErrDuplicatePathID)
		}
		return fmt.Errorf("insert attachment %s: %w", rec.PathID, err)
	}
	return nil
}

// GetByPathID fetches one record by its storage key.
func (s *PostgresStore) GetByPathID(ctx context.Context, pathID string) (*Record, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("attachment_get", time.Since(start)) }()

	var rec Record
	err := s.db.QueryRowContext(ctx,
		`SELECT id, file_name, path_id, owner_id, realm_id, size, create_time
		 FROM attachments WHERE path_id = $1`,
		pathID,
	).Scan(&rec.ID, &rec.FileName, &rec.PathID, &rec.OwnerID, &rec.RealmID, &rec.Size, &rec.CreateTime)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %s: %w", pathID, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("query attachment %s: %w", pathID, err)
	}
	return &rec, nil
}

// Delete removes the record for a path id, reporting whether one existed.
func (s *PostgresStore) Delete(ctx context.Context, pathID string) (bool, error) {
	start := time.Now()
	defer func() { metrics.RecordDBQuery("attachment_delete", time.Since(start)) }()

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE path_id = $1`, pathID)
	if err != nil {
		return false, fmt.Errorf("delete attachment %s: %w", pathID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected for %s: %w", pathID, err)
	}
	return n > 0, nil
}

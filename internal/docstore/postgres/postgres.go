// Package postgres provides the PostgreSQL-backed record store.
//
// Records are kept as whole JSONB documents alongside two extracted
// columns: the primary key (id) and the partition key (patient_id).
// Every write bumps a store-internal modification timestamp (ts) that
// patient listings order by, mirroring how a partitioned document
// database sorts on its own change timestamp rather than createdAt.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/gpportal/gpportal/internal/logging"
	"github.com/gpportal/gpportal/internal/metrics"
	"github.com/gpportal/gpportal/internal/records"
)

// Store is a PostgreSQL record store.
type Store struct {
	db *sql.DB
}

// New creates a new PostgreSQL record store.
func New(databaseURL string) (*Store, error) {
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

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Migrate runs SQL migration files.
func (s *Store) Migrate(migrationsDir string) error {
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

// UpdateConnectionMetrics publishes current pool stats.
func (s *Store) UpdateConnectionMetrics() {
	metrics.SetDBConnectionsOpen(s.db.Stats().OpenConnections)
}

// Create inserts a record document, or fully replaces it when a
// document with the same id already exists. Calling it twice with an
// identical record is a no-op.
func (s *Store) Create(ctx context.Context, rec *records.Record) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, patient_id, doc, ts)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE SET
			patient_id = EXCLUDED.patient_id,
			doc = EXCLUDED.doc,
			ts = NOW()`,
		rec.ID, rec.PatientID, doc)
	metrics.RecordDBQuery("create", time.Since(start))
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// ListByPatient returns up to limit records for one patient, most
// recently modified first.
func (s *Store) ListByPatient(ctx context.Context, patientID string, limit int) ([]*records.Record, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc FROM records WHERE patient_id = $1 ORDER BY ts DESC LIMIT $2`,
		patientID, limit)
	metrics.RecordDBQuery("list_by_patient", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var recs []*records.Record
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		var rec records.Record
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		recs = append(recs, &rec)
	}

	return recs, rows.Err()
}

// GetByID returns the record with the given id, scanning across all
// patient partitions, or (nil, nil) when no such record exists. Ids
// are unique by construction; if that invariant were ever violated the
// first row wins.
func (s *Store) GetByID(ctx context.Context, id string) (*records.Record, error) {
	doc, err := s.getDoc(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}

	var rec records.Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *Store) getDoc(ctx context.Context, id string) ([]byte, error) {
	start := time.Now()
	var doc []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM records WHERE id = $1 LIMIT 1`, id).Scan(&doc)
	metrics.RecordDBQuery("get_by_id", time.Since(start))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return doc, nil
}

// Update shallow-merges updates onto the stored document and writes
// the whole merged document back, bumping ts. Returns (nil, nil) when
// the record does not exist.
//
// The read-merge-replace sequence is not transactionally isolated:
// two concurrent updates to the same id race and the last writer wins.
// That is the documented consistency policy, inherited from replacing
// whole documents in a schemaless store.
func (s *Store) Update(ctx context.Context, id string, updates map[string]any) (*records.Record, error) {
	doc, err := s.getDoc(ctx, id)
	if err != nil || doc == nil {
		return nil, err
	}

	merged, err := mergeDoc(doc, updates)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	_, err = s.db.ExecContext(ctx,
		`UPDATE records SET doc = $2, ts = NOW() WHERE id = $1`, id, merged)
	metrics.RecordDBQuery("update", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("replace record: %w", err)
	}

	var rec records.Record
	if err := json.Unmarshal(merged, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

// Delete removes the record with the given id and reports whether a
// document was found and removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	start := time.Now()
	result, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
	metrics.RecordDBQuery("delete", time.Since(start))
	if err != nil {
		return false, fmt.Errorf("delete record: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SearchPatientIDs returns up to limit distinct patient ids containing
// query as a case-insensitive substring.
func (s *Store) SearchPatientIDs(ctx context.Context, query string, limit int) ([]string, error) {
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT patient_id FROM records
		 WHERE patient_id ILIKE '%' || $1 || '%'
		 ORDER BY patient_id LIMIT $2`,
		escapeLike(query), limit)
	metrics.RecordDBQuery("search_patient_ids", time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("query patient ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan patient id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// mergeDoc applies a shallow merge: keys present in updates overwrite
// or extend the stored document, everything else is preserved.
func mergeDoc(doc []byte, updates map[string]any) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	for k, v := range updates {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return merged, nil
}

// escapeLike escapes LIKE metacharacters so user input matches
// literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

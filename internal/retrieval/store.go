package retrieval

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// Store persists the indexed corpus so it survives restarts without
// re-vectorisation.
type Store interface {
	// Replace swaps the persisted corpus for entries in one transaction.
	Replace(ctx context.Context, entries []Entry) error
	// All returns the persisted corpus in insertion order.
	All(ctx context.Context) ([]Entry, error)
}

// SQLiteStore keeps the corpus in the knowledge_entries table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB. The knowledge_entries table must
// already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Replace(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge_entries`); err != nil {
		return fmt.Errorf("clearing knowledge entries: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO knowledge_entries (position, title, content, vector, indexed_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, e := range entries {
		if _, err := stmt.ExecContext(ctx, i, e.Title, e.Content, encodeFloat32s(e.Vector), now); err != nil {
			return fmt.Errorf("inserting entry %d: %w", i, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) All(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT position, title, content, vector FROM knowledge_entries ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var pos int
		var e Entry
		var blob []byte
		if err := rows.Scan(&pos, &e.Title, &e.Content, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if e.Vector, err = decodeFloat32s(blob); err != nil {
			return nil, fmt.Errorf("decoding vector for entry %d: %w", pos, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of persisted entries.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM knowledge_entries").Scan(&count)
	return count, err
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4 (indicates data corruption).
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine returns dot(a,b) / (aNorm * bNorm), or 0 when either norm is zero
// or the lengths differ.
func cosine(a, b []float32, aNorm, bNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}

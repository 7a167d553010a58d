// Package rag implements the retrieval collaborator: a passage index stored
// in SQLite or DuckDB and searched by cosine similarity, plus the corpus
// indexer that fills it.
package rag

import (
	"container/heap"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "github.com/marcboeker/go-duckdb"
	_ "modernc.org/sqlite"

	"LunarStudio/internal/config"
)

// Supported index backends.
const (
	BackendSQLite = "sqlite"
	BackendDuckDB = "duckdb"
)

// ErrDimensionMismatch is returned when a query vector does not match the
// vectors stored in the index.
var ErrDimensionMismatch = errors.New("rag: embedding dimension mismatch")

// ErrIndexClosed is returned by every operation after Close.
var ErrIndexClosed = errors.New("rag: index is closed")

// Passage is one indexed piece of text.
type Passage struct {
	ID        int64
	Text      string
	Source    string
	Embedding []float32
}

// Hit is a passage with its similarity to the query.
type Hit struct {
	Passage
	Score float64
}

// Index is the mapping table of passages and their embeddings.
type Index struct {
	db      *sql.DB
	backend string
	mu      sync.RWMutex
}

// Open opens the index configured in cfg.
func Open(cfg config.RAGConfig) (*Index, error) {
	path := strings.TrimSpace(cfg.IndexPath)
	if path == "" {
		return nil, errors.New("rag: index_path is required")
	}
	return OpenPath(cfg.Backend, path)
}

// OpenPath opens or creates an index file with the given backend.
func OpenPath(backend, path string) (*Index, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		backend = BackendSQLite
	}
	if backend != BackendSQLite && backend != BackendDuckDB {
		return nil, fmt.Errorf("rag: unsupported index backend %q", backend)
	}

	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("rag: create index directory: %w", err)
		}
	}

	db, err := sql.Open(backend, path)
	if err != nil {
		return nil, fmt.Errorf("rag: open %s index: %w", backend, err)
	}
	if backend == BackendSQLite {
		db.SetMaxOpenConns(1)
	}

	idx := &Index{db: db, backend: backend}
	if err := idx.bootstrap(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) bootstrap() error {
	if _, err := x.db.Exec(`
		CREATE TABLE IF NOT EXISTS mapping (
			id BIGINT PRIMARY KEY,
			text TEXT NOT NULL,
			source TEXT,
			embedding BLOB
		)
	`); err != nil {
		return fmt.Errorf("rag: create mapping table: %w", err)
	}
	return nil
}

// Backend returns the SQL driver backing the index.
func (x *Index) Backend() string { return x.backend }

// Add stores passages with ids continuing after the current maximum. It
// returns the number of rows written.
func (x *Index) Add(ctx context.Context, passages []Passage) (int, error) {
	if len(passages) == 0 {
		return 0, nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.db == nil {
		return 0, ErrIndexClosed
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("rag: begin insert: %w", err)
	}
	defer tx.Rollback()

	var next int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), -1) + 1 FROM mapping`).Scan(&next); err != nil {
		return 0, fmt.Errorf("rag: next id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO mapping (id, text, source, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("rag: prepare insert: %w", err)
	}
	defer stmt.Close()

	written := 0
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		if text == "" {
			continue
		}
		if _, err := stmt.ExecContext(ctx, next, text, p.Source, float32SliceToBytes(p.Embedding)); err != nil {
			return 0, fmt.Errorf("rag: insert passage %d: %w", next, err)
		}
		next++
		written++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("rag: commit insert: %w", err)
	}
	return written, nil
}

// Count returns the number of indexed passages.
func (x *Index) Count(ctx context.Context) (int, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.db == nil {
		return 0, ErrIndexClosed
	}
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM mapping`).Scan(&n); err != nil {
		return 0, fmt.Errorf("rag: count passages: %w", err)
	}
	return n, nil
}

// Reset removes every passage.
func (x *Index) Reset(ctx context.Context) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.db == nil {
		return ErrIndexClosed
	}
	if _, err := x.db.ExecContext(ctx, `DELETE FROM mapping`); err != nil {
		return fmt.Errorf("rag: reset index: %w", err)
	}
	return nil
}

// Search returns the text of the k nearest passages, nearest first.
func (x *Index) Search(ctx context.Context, vector []float32, k int) ([]string, error) {
	hits, err := x.Nearest(ctx, vector, k)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Text
	}
	return texts, nil
}

// Nearest scans the index and keeps the k passages with the highest cosine
// similarity. Equal scores keep index order.
func (x *Index) Nearest(ctx context.Context, vector []float32, k int) ([]Hit, error) {
	if len(vector) == 0 {
		return nil, errors.New("rag: query vector is empty")
	}
	if k <= 0 {
		k = 5
	}
	query := normalizeVector(vector)

	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.db == nil {
		return nil, ErrIndexClosed
	}

	rows, err := x.db.QueryContext(ctx, `SELECT id, text, source, embedding FROM mapping WHERE embedding IS NOT NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("rag: query passages: %w", err)
	}
	defer rows.Close()

	h := &minHeap{}
	for rows.Next() {
		var (
			p      Passage
			source sql.NullString
			blob   []byte
		)
		if err := rows.Scan(&p.ID, &p.Text, &source, &blob); err != nil {
			return nil, fmt.Errorf("rag: scan passage: %w", err)
		}
		p.Source = source.String
		p.Embedding = bytesToFloat32Slice(blob)
		if len(p.Embedding) == 0 {
			continue
		}
		if len(p.Embedding) != len(query) {
			return nil, fmt.Errorf("%w (got %d, expected %d)", ErrDimensionMismatch, len(query), len(p.Embedding))
		}

		hit := Hit{Passage: p, Score: cosineSimilarity(query, normalizeVector(p.Embedding))}
		if h.Len() < k {
			heap.Push(h, hit)
		} else if hit.Score > (*h)[0].Score {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rag: read passages: %w", err)
	}

	hits := []Hit(*h)
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	return hits, nil
}

// Close releases the database handle. Later calls fail with ErrIndexClosed.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.db == nil {
		return nil
	}
	err := x.db.Close()
	x.db = nil
	return err
}

// minHeap keeps the worst of the current top k at the root. Among equal
// scores the later passage sits closer to the root so it is replaced first.
type minHeap []Hit

func (h minHeap) Len() int { return len(h) }
func (h minHeap) Less(i, j int) bool {
	if h[i].Score == h[j].Score {
		return h[i].ID > h[j].ID
	}
	return h[i].Score < h[j].Score
}
func (h minHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *minHeap) Push(x any) {
	*h = append(*h, x.(Hit))
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[0 : n-1]
	return item
}

func float32SliceToBytes(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func bytesToFloat32Slice(buf []byte) []float32 {
	if len(buf)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}

func normalizeVector(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	factor := float32(1.0 / math.Sqrt(norm))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v * factor
	}
	return out
}

// cosineSimilarity expects normalized inputs.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}

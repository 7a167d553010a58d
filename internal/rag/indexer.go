package rag

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	pdf "github.com/ledongthuc/pdf"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"LunarStudio/internal/config"
	"LunarStudio/internal/logging"
)

var defaultExtensions = []string{".txt", ".md", ".markdown", ".rst", ".pdf", ".jsonl"}

// Embedder produces the vector stored with each passage.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// IndexStats summarises one indexing run.
type IndexStats struct {
	Files    int
	Passages int
	Duration time.Duration
}

// Indexer reads a corpus, chunks it, embeds every chunk and stores the
// results in an Index.
type Indexer struct {
	index     *Index
	embedder  Embedder
	chunkSize int
	overlap   int
	allowed   map[string]struct{}
	workers   int
	timeout   time.Duration
	logger    *zap.Logger
}

// NewIndexer configures chunking and parallelism from cfg.
func NewIndexer(index *Index, embedder Embedder, cfg config.RAGConfig, logger *zap.Logger) *Indexer {
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 256
	}
	overlap := cfg.ChunkOverlap
	if overlap < 0 || overlap >= chunkSize {
		overlap = 0
	}
	allowed := normalizeExtensions(cfg.Extensions)
	if len(allowed) == 0 {
		allowed = normalizeExtensions(defaultExtensions)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Indexer{
		index:     index,
		embedder:  embedder,
		chunkSize: chunkSize,
		overlap:   overlap,
		allowed:   allowed,
		workers:   workers,
		timeout:   45 * time.Second,
		logger:    logging.OrNop(logger),
	}
}

type pendingChunk struct {
	text   string
	source string
}

// IndexPath indexes a directory tree, a JSONL file or a single document.
func (ix *Indexer) IndexPath(ctx context.Context, path string) (IndexStats, error) {
	if ix.embedder == nil {
		return IndexStats{}, errors.New("rag: an embedding provider is required to build an index")
	}
	start := time.Now()

	info, err := os.Stat(path)
	if err != nil {
		return IndexStats{}, fmt.Errorf("rag: stat corpus: %w", err)
	}

	var (
		chunks []pendingChunk
		files  int
	)
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() {
				return nil
			}
			ext := strings.ToLower(filepath.Ext(p))
			if !isSupportedExt(ext, ix.allowed) {
				return nil
			}
			rel, relErr := filepath.Rel(path, p)
			if relErr != nil {
				rel = filepath.Base(p)
			}
			found, err := ix.readFile(p, rel, ext)
			if err != nil {
				return err
			}
			files++
			chunks = append(chunks, found...)
			return nil
		})
	} else {
		var found []pendingChunk
		found, err = ix.readFile(path, filepath.Base(path), strings.ToLower(filepath.Ext(path)))
		chunks = found
		files = 1
	}
	if err != nil {
		return IndexStats{}, fmt.Errorf("rag: read corpus: %w", err)
	}

	ix.logger.Info("embedding corpus", zap.Int("files", files), zap.Int("chunks", len(chunks)), zap.Int("workers", ix.workers))
	passages, err := ix.embedAll(ctx, chunks)
	if err != nil {
		return IndexStats{}, err
	}

	written, err := ix.index.Add(ctx, passages)
	if err != nil {
		return IndexStats{}, err
	}
	stats := IndexStats{Files: files, Passages: written, Duration: time.Since(start)}
	ix.logger.Info("corpus indexed", zap.Int("passages", written), zap.Duration("duration", stats.Duration))
	return stats, nil
}

// embedAll embeds chunks with bounded parallelism, preserving input order.
func (ix *Indexer) embedAll(ctx context.Context, chunks []pendingChunk) ([]Passage, error) {
	passages := make([]Passage, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for i, chunk := range chunks {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, ix.timeout)
			defer cancel()
			vec, err := ix.embedder.Embed(callCtx, chunk.text)
			if err != nil {
				return fmt.Errorf("rag: embed %s: %w", chunk.source, err)
			}
			passages[i] = Passage{Text: chunk.text, Source: chunk.source, Embedding: vec}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return passages, nil
}

func (ix *Indexer) readFile(path, source, ext string) ([]pendingChunk, error) {
	if ext == ".jsonl" {
		return readJSONL(path, source)
	}
	content, err := extractDocumentText(path, ext)
	if err != nil {
		return nil, err
	}
	var out []pendingChunk
	for idx, chunk := range chunkText(strings.TrimSpace(content), ix.chunkSize, ix.overlap) {
		if chunk == "" {
			continue
		}
		out = append(out, pendingChunk{text: chunk, source: fmt.Sprintf("%s#%d", source, idx)})
	}
	return out, nil
}

type jsonlRecord struct {
	Text   string `json:"text"`
	Source string `json:"source"`
}

// readJSONL reads one {"text": ...} passage per line. Passages are indexed
// as given, without re-chunking.
func readJSONL(path, source string) ([]pendingChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []pendingChunk
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var rec jsonlRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", source, line, err)
		}
		text := strings.TrimSpace(rec.Text)
		if text == "" {
			continue
		}
		src := rec.Source
		if src == "" {
			src = fmt.Sprintf("%s:%d", source, line)
		}
		out = append(out, pendingChunk{text: text, source: src})
	}
	return out, scanner.Err()
}

func extractDocumentText(path, ext string) (string, error) {
	switch ext {
	case ".pdf":
		return extractPDFText(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func extractPDFText(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func isSupportedExt(ext string, allowed map[string]struct{}) bool {
	normalized := strings.TrimSpace(strings.ToLower(ext))
	if normalized == "" {
		return false
	}
	if !strings.HasPrefix(normalized, ".") {
		normalized = "." + normalized
	}
	_, ok := allowed[normalized]
	return ok
}

func normalizeExtensions(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, ext := range list {
		trimmed := strings.TrimSpace(strings.ToLower(ext))
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, ".") {
			trimmed = "." + trimmed
		}
		set[trimmed] = struct{}{}
	}
	return set
}

// chunkText splits input into windows of size words that overlap by
// overlap words.
func chunkText(input string, size, overlap int) []string {
	words := strings.Fields(input)
	if len(words) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	chunks := make([]string, 0, (len(words)/step)+1)
	for start := 0; start < len(words); start += step {
		end := start + size
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

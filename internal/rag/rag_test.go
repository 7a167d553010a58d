package rag

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"LunarStudio/internal/config"
)

func openTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := OpenPath(BackendSQLite, filepath.Join(t.TempDir(), "index", "mapping.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestIndexSearchRanksByCosine(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	n, err := idx.Add(ctx, []Passage{
		{Text: "east", Embedding: []float32{1, 0}},
		{Text: "north", Embedding: []float32{0, 1}},
		{Text: "north-east", Embedding: []float32{1, 1}},
		{Text: "   ", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	texts, err := idx.Search(ctx, []float32{2, 0.1}, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"east", "north-east"}, texts)

	all, err := idx.Search(ctx, []float32{0, 1}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"north", "north-east", "east"}, all)
}

func TestIndexIDsContinueAcrossBatches(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()

	_, err := idx.Add(ctx, []Passage{{Text: "a", Embedding: []float32{1}}, {Text: "b", Embedding: []float32{1}}})
	require.NoError(t, err)
	_, err = idx.Add(ctx, []Passage{{Text: "c", Embedding: []float32{1}}})
	require.NoError(t, err)

	hits, err := idx.Nearest(ctx, []float32{1}, 5)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	// Equal scores keep insertion order.
	assert.Equal(t, []int64{0, 1, 2}, []int64{hits[0].ID, hits[1].ID, hits[2].ID})
	assert.Equal(t, "c", hits[2].Text)

	count, err := idx.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	require.NoError(t, idx.Reset(ctx))
	texts, err := idx.Search(ctx, []float32{1}, 5)
	require.NoError(t, err)
	assert.Empty(t, texts)
}

func TestIndexDimensionMismatch(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	_, err := idx.Add(ctx, []Passage{{Text: "a", Embedding: []float32{1, 0, 0}}})
	require.NoError(t, err)

	_, err = idx.Search(ctx, []float32{1, 0}, 3)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestClosedIndexFailsCleanly(t *testing.T) {
	idx := openTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Close())
	require.NoError(t, idx.Close(), "second close is a no-op")

	_, err := idx.Add(ctx, []Passage{{Text: "a", Embedding: []float32{1}}})
	assert.ErrorIs(t, err, ErrIndexClosed)
	_, err = idx.Count(ctx)
	assert.ErrorIs(t, err, ErrIndexClosed)
	_, err = idx.Search(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, ErrIndexClosed)
	assert.ErrorIs(t, idx.Reset(ctx), ErrIndexClosed)
}

func TestOpenPathRejectsUnknownBackend(t *testing.T) {
	_, err := OpenPath("faiss", filepath.Join(t.TempDir(), "x"))
	assert.ErrorContains(t, err, "unsupported index backend")
}

func TestVectorBlobRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3}
	assert.Equal(t, vec, bytesToFloat32Slice(float32SliceToBytes(vec)))
	assert.Nil(t, bytesToFloat32Slice([]byte{1, 2, 3}))
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, chunkText("   ", 4, 1))
	assert.Equal(t, []string{"a b c d", "d e f g", "g h"}, chunkText("a b c d e f g h", 4, 1))
	assert.Equal(t, []string{"a b", "c"}, chunkText("a b c", 2, 0))
}

// letterEmbedder maps text to a vector of letter counts for a, b and c.
type letterEmbedder struct {
	calls atomic.Int32
	fail  string
}

func (e *letterEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail != "" && strings.Contains(text, e.fail) {
		return nil, errors.New("embedding server down")
	}
	vec := make([]float32, 3)
	for _, r := range text {
		switch r {
		case 'a':
			vec[0]++
		case 'b':
			vec[1]++
		case 'c':
			vec[2]++
		}
	}
	return vec, nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestIndexerIndexesDirectory(t *testing.T) {
	corpus := t.TempDir()
	writeFile(t, filepath.Join(corpus, "a.txt"), "aaa aaa")
	writeFile(t, filepath.Join(corpus, "docs", "b.md"), "bbb bbb")
	writeFile(t, filepath.Join(corpus, "passages.jsonl"), `{"text":"ccc"}`+"\n\n"+`{"text":"abc","source":"wiki"}`+"\n")
	writeFile(t, filepath.Join(corpus, "skip.bin"), "aaa")

	idx := openTestIndex(t)
	embedder := &letterEmbedder{}
	ix := NewIndexer(idx, embedder, config.RAGConfig{ChunkSize: 16, Workers: 2}, nil)

	stats, err := ix.IndexPath(context.Background(), corpus)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Files)
	assert.Equal(t, 4, stats.Passages)
	assert.Equal(t, int32(4), embedder.calls.Load())

	texts, err := idx.Search(context.Background(), []float32{0, 0, 1}, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"ccc"}, texts)

	hits, err := idx.Nearest(context.Background(), []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("docs", "b.md")+"#0", hits[0].Source)
}

func TestIndexerEmbedFailureWritesNothing(t *testing.T) {
	corpus := t.TempDir()
	writeFile(t, filepath.Join(corpus, "a.txt"), "aaa")
	writeFile(t, filepath.Join(corpus, "b.txt"), "bbb")

	idx := openTestIndex(t)
	ix := NewIndexer(idx, &letterEmbedder{fail: "bbb"}, config.RAGConfig{}, nil)

	_, err := ix.IndexPath(context.Background(), corpus)
	require.ErrorContains(t, err, "embedding server down")

	count, err := idx.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestIndexerRejectsBadJSONL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	writeFile(t, path, `{"text":"ok"}`+"\n"+`not json`+"\n")

	ix := NewIndexer(openTestIndex(t), &letterEmbedder{}, config.RAGConfig{}, nil)
	_, err := ix.IndexPath(context.Background(), path)
	assert.ErrorContains(t, err, "bad.jsonl:2")
}

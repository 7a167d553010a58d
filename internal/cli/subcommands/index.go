package subcommands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"go.uber.org/zap"

	"LunarStudio/internal/config"
	"LunarStudio/internal/embedding"
	"LunarStudio/internal/rag"
)

// IndexOptions select the corpus and target index.
type IndexOptions struct {
	Path    string
	Backend string
	Reset   bool
}

// RunIndex embeds a corpus into the retrieval index.
func RunIndex(ctx context.Context, cfg config.Config, opts IndexOptions, logger *zap.Logger) int {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		path = strings.TrimSpace(cfg.RAG.CorpusPath)
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "index requires a corpus path (argument or rag.corpus_path)")
		return 1
	}
	if opts.Backend != "" {
		cfg.RAG.Backend = opts.Backend
	}

	// Building an index always needs embeddings, whatever the chat setting.
	cfg.Embedding.Enabled = true
	embedder, err := embedding.New(cfg.Embedding)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize embedding provider: %v\n", err)
		return 1
	}
	defer embedder.Close()

	index, err := rag.Open(cfg.RAG)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open index: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := index.Close(); closeErr != nil {
			logger.Warn("failed to close index", zap.Error(closeErr))
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if opts.Reset {
		if err := index.Reset(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "failed to reset index: %v\n", err)
			return 1
		}
		fmt.Printf("%sCleared %s index at %s%s\n", colorYellow, index.Backend(), cfg.RAG.IndexPath, colorReset)
	}

	spin := startSpinner(os.Stdout, "Indexing "+path)
	stats, err := rag.NewIndexer(index, embedder, cfg.RAG, logger).IndexPath(ctx, path)
	spin.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sindexing failed: %v%s\n", colorRed, err, colorReset)
		return 1
	}

	total, err := index.Count(ctx)
	if err != nil {
		logger.Warn("failed to count passages", zap.Error(err))
	}
	fmt.Printf("%sIndexed %d passage(s) from %d file(s) in %s%s\n",
		colorGreen, stats.Passages, stats.Files, stats.Duration.Truncate(time.Millisecond), colorReset)
	fmt.Printf("%sIndex %s (%s) now holds %d passage(s)%s\n", colorGray, cfg.RAG.IndexPath, index.Backend(), total, colorReset)
	return 0
}

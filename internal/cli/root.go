package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"LunarStudio/internal/cli/subcommands"
	"LunarStudio/internal/config"
	"LunarStudio/internal/logging"
	"LunarStudio/internal/runtime"

	_ "LunarStudio/internal/llmclient"
)

// app carries state shared by every command of one invocation.
type app struct {
	configPath string
	verbose    bool

	cfg      config.Config
	logger   *zap.Logger
	registry runtime.Registry
	exitCode int
}

// Execute is the entry point for the LunarStudio CLI.
func Execute() int {
	a := &app{registry: runtime.DefaultRegistry}
	root := newRootCmd(a)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return a.exitCode
}

func newRootCmd(a *app) *cobra.Command {
	var chatOpts subcommands.ChatOptions

	root := &cobra.Command{
		Use:   "lunarstudio",
		Short: "LunarStudio - retrieval-aware chat over a local llama.cpp server",
		Long: `LunarStudio keeps two conversations per session: a decision track that
chooses whether to search the local index, and an answer track that streams
the reply. Both reuse the server-side prefix cache between turns.

Running without a command starts interactive chat.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.exitCode = subcommands.RunInteractive(cmd.Context(), a.cfg, a.registry, chatOpts, a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Config file (default: $APP_CONFIG or ./lunarstudio.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "Enable debug logging")
	root.Flags().BoolVar(&chatOpts.Stream, "stream", true, "Stream fragments as they are generated")
	root.Flags().BoolVar(&chatOpts.ShowStats, "stats", false, "Show retrieval details after each reply")

	root.AddCommand(
		newChatCmd(a),
		newTuiCmd(a),
		newServeCmd(a),
		newIndexCmd(a),
		newHistoryCmd(a),
		newConfigCmd(a),
	)
	return root
}

// setup loads configuration and installs the process logger. The TUI owns
// the terminal, so its logs always go to file.
func (a *app) setup(cmd *cobra.Command) error {
	path := a.configPath
	if path == "" {
		path = strings.TrimSpace(os.Getenv("APP_CONFIG"))
	}
	cfg, err := config.ResolvePath(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.verbose {
		cfg.Logging.Verbose = true
	}
	a.cfg = cfg

	logger, err := logging.Init(logging.Options{
		ToFile:  cmd.Name() == "tui",
		Dir:     cfg.Logging.Dir,
		Verbose: cfg.Logging.Verbose,
	})
	if err != nil {
		return err
	}
	a.logger = logger
	return nil
}

func newChatCmd(a *app) *cobra.Command {
	var (
		opts     subcommands.ChatOptions
		message  string
		external bool
	)
	cmd := &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message, or start interactive chat when none is given",
		Example: `  lunarstudio chat "What does the indexer do with PDFs?"
  lunarstudio chat --external "Summarise RAG in one line"
  lunarstudio chat`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if message == "" && len(args) > 0 {
				message = strings.Join(args, " ")
			}
			message = strings.TrimSpace(message)
			ctx := cmd.Context()
			switch {
			case external:
				if message == "" {
					return fmt.Errorf("chat --external requires a message")
				}
				a.exitCode = subcommands.RunExternal(ctx, a.cfg, message, a.logger)
			case message == "":
				a.exitCode = subcommands.RunInteractive(ctx, a.cfg, a.registry, opts, a.logger)
			default:
				a.exitCode = subcommands.RunChat(ctx, a.cfg, a.registry, message, opts, a.logger)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	cmd.Flags().BoolVar(&opts.Stream, "stream", true, "Stream fragments as they are generated")
	cmd.Flags().BoolVar(&opts.ShowStats, "stats", false, "Show retrieval details after the reply")
	cmd.Flags().BoolVar(&external, "external", false, "Answer with the configured OpenAI-compatible provider instead of the local runtime")
	return cmd
}

func newTuiCmd(a *app) *cobra.Command {
	var opts subcommands.ChatOptions
	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Full-screen chat interface",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.exitCode = subcommands.RunTui(cmd.Context(), a.cfg, a.registry, opts, a.logger)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Stream, "stream", true, "Stream fragments as they are generated")
	cmd.Flags().BoolVar(&opts.ShowStats, "stats", false, "Show retrieval details under each reply")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var opts subcommands.ServeOptions
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the session API over HTTP or the TCP line protocol",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.exitCode = subcommands.RunServe(cmd.Context(), a.cfg, a.registry, opts, a.logger)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Host, "host", "", "Listen address (overrides config)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "Listen port (overrides config)")
	cmd.Flags().StringVar(&opts.Type, "type", "", "Transport: http or tcp (overrides config)")
	return cmd
}

func newIndexCmd(a *app) *cobra.Command {
	var opts subcommands.IndexOptions
	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Chunk, embed and store a corpus in the retrieval index",
		Long: `Index reads a directory of text, markdown and PDF files, or a JSONL file
with one {"text": ...} object per line, and writes every embedded passage to
the configured index. The path defaults to rag.corpus_path.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Path = args[0]
			}
			a.exitCode = subcommands.RunIndex(cmd.Context(), a.cfg, opts, a.logger)
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "Remove existing passages before indexing")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "Index backend: sqlite or duckdb (overrides config)")
	return cmd
}

func newHistoryCmd(a *app) *cobra.Command {
	var opts subcommands.HistoryOptions
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List stored sessions, or print one session's transcript",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.SessionID = args[0]
			}
			a.exitCode = subcommands.RunHistory(cmd.Context(), a.cfg, opts)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "Number of sessions to list")
	cmd.Flags().StringVar(&opts.Track, "track", "answer", "Track to print: answer or decision")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "Print stored text without stripping markup")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			a.exitCode = subcommands.RunConfig(cmd.OutOrStdout(), a.cfg)
			return nil
		},
	}
}

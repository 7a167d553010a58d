package subcommands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"LunarStudio/internal/config"
	"LunarStudio/internal/conversation"
	"LunarStudio/internal/pipeline"
	"LunarStudio/internal/runtime"
)

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorBlue   = "\033[34m"
	colorGreen  = "\033[32m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
)

const logo = `
 _                            ____  _             _ _
| |   _   _ _ __   __ _ _ __/ ___|| |_ _   _  __| (_) ___
| |  | | | | '_ \ / _' | '__\___ \| __| | | |/ _' | |/ _ \
| |__| |_| | | | | (_| | |   ___) | |_| |_| | (_| | | (_) |
|_____\__,_|_| |_|\__,_|_|  |____/ \__|\__,_|\__,_|_|\___/
`

// RunInteractive runs a multi-turn session on the terminal. Ctrl+C during a
// reply cancels that turn; Ctrl+C at the prompt exits.
func RunInteractive(ctx context.Context, cfg config.Config, registry runtime.Registry, opts ChatOptions, logger *zap.Logger) int {
	pipe, err := pipeline.New(cfg, registry, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize pipeline: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := pipe.Close(); closeErr != nil {
			logger.Warn("failed to close pipeline", zap.Error(closeErr))
		}
	}()

	sessions := pipe.Sessions()
	id, err := sessions.Start(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start session: %v\n", err)
		return 1
	}

	fmt.Print(colorCyan + logo + colorReset)
	fmt.Printf("%sLunarStudio Interactive Mode%s\n", colorBold, colorReset)
	fmt.Printf("%sType 'exit' to quit | '/help' for commands | Ctrl+C stops a reply%s\n", colorGray, colorReset)
	fmt.Printf("%sRuntime: %s | Retrieval: %v%s\n", colorGray, cfg.Runtime.Backend, pipe.Index() != nil, colorReset)
	fmt.Printf("%sSession: %s%s\n\n", colorGray, id, colorReset)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		turnActive atomic.Bool
		current    atomic.Value
	)
	current.Store(id)
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-interrupts:
				if turnActive.Load() {
					_ = sessions.RequestCancel(current.Load().(string))
					continue
				}
				cancel()
				return
			}
		}
	}()

	lines := readLines(ctx, os.Stdin)
	for {
		fmt.Printf("%sYou: %s", colorBlue+colorBold, colorReset)
		message, ok := nextMessage(ctx, lines)
		if !ok {
			fmt.Printf("\n%sGoodbye!%s\n", colorCyan, colorReset)
			return 0
		}
		if message == "" {
			continue
		}

		lower := strings.ToLower(message)
		if lower == "exit" || lower == "quit" || lower == "/exit" || lower == "/quit" || lower == "/bye" {
			fmt.Printf("\n%sGoodbye!%s\n", colorCyan, colorReset)
			return 0
		}
		if strings.HasPrefix(message, "/") {
			newID := handleCommand(ctx, pipe, current.Load().(string), message, &opts)
			current.Store(newID)
			continue
		}

		start := time.Now()
		label := colorGreen + colorBold + "LunarStudio: " + colorReset
		spin := startSpinner(os.Stdout, "Thinking")
		printer := newFragmentPrinter(os.Stdout, spin, label)
		var sink func(string) error
		if opts.Stream {
			sink = printer.Write
		}

		turnActive.Store(true)
		result, err := sessions.SubmitTurn(ctx, current.Load().(string), message, sink)
		turnActive.Store(false)
		spin.Stop()

		if err != nil {
			fmt.Fprintf(os.Stderr, "\r%sruntime error: %v%s\n", colorRed, err, colorReset)
			continue
		}
		if opts.Stream {
			fmt.Println()
		} else {
			fmt.Println(label + result.Visible)
		}
		if result.Answer.Cancelled() {
			fmt.Printf("%s[stopped: %s]%s\n", colorYellow, result.Reason, colorReset)
		}
		if opts.ShowStats {
			printResultStats(os.Stdout, result, time.Since(start))
		}
		fmt.Println()
	}
}

// readLines feeds stdin lines to the prompt loop so that it can also watch
// for cancellation.
func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// nextMessage reads one message. A trailing backslash continues it on the
// next line.
func nextMessage(ctx context.Context, lines <-chan string) (string, bool) {
	var parts []string
	for {
		select {
		case <-ctx.Done():
			return "", false
		case line, ok := <-lines:
			if !ok {
				return "", false
			}
			line = strings.TrimSpace(line)
			if strings.HasSuffix(line, "\\") {
				parts = append(parts, strings.TrimSuffix(line, "\\"))
				fmt.Printf("%s...  %s", colorGray, colorReset)
				continue
			}
			parts = append(parts, line)
			return strings.TrimSpace(strings.Join(parts, "\n")), true
		}
	}
}

// handleCommand runs a slash command and returns the session id to use for
// the next turn.
func handleCommand(ctx context.Context, pipe *pipeline.Pipeline, id, cmd string, opts *ChatOptions) string {
	sessions := pipe.Sessions()
	lower := strings.ToLower(cmd)

	if strings.HasPrefix(lower, "/set ") {
		parts := strings.SplitN(strings.TrimSpace(cmd[5:]), " ", 2)
		if len(parts) < 2 {
			fmt.Println("Usage: /set <param> <value>")
			return id
		}
		handleSetParam(opts, strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]))
		return id
	}

	switch lower {
	case "/help":
		printCliHelp()
	case "/history", "/raw":
		var (
			msgs []conversation.Message
			err  error
		)
		if lower == "/raw" {
			msgs, err = sessions.History(id)
		} else {
			msgs, err = sessions.HistorySanitized(id)
		}
		if err != nil {
			fmt.Printf(colorRed+"Failed to read history: %v"+colorReset+"\n", err)
			return id
		}
		printMessages(os.Stdout, msgs)
	case "/new":
		newID, err := sessions.Start(ctx)
		if err != nil {
			fmt.Printf(colorRed+"Failed to start session: %v"+colorReset+"\n", err)
			return id
		}
		if err := sessions.Close(id); err != nil {
			fmt.Printf(colorYellow+"Previous session did not close cleanly: %v"+colorReset+"\n", err)
		}
		fmt.Printf("%sSession: %s%s\n", colorGray, newID, colorReset)
		return newID
	case "/config":
		cfg := pipe.Config()
		fmt.Printf("\n%s--- Current Session Options ---%s\n", colorBold, colorReset)
		fmt.Printf("  %sSession:%s        %s\n", colorCyan, colorReset, id)
		fmt.Printf("  %sBackend:%s        %s\n", colorCyan, colorReset, cfg.Runtime.Backend)
		fmt.Printf("  %sStream:%s         %v\n", colorCyan, colorReset, opts.Stream)
		fmt.Printf("  %sShow Stats:%s     %v\n", colorCyan, colorReset, opts.ShowStats)
		fmt.Printf("  %sRetrieval:%s      %v\n", colorCyan, colorReset, pipe.Index() != nil)
		fmt.Printf("  %sTop K/Forward:%s  %d/%d\n", colorCyan, colorReset, cfg.RAG.TopK, cfg.RAG.Forward)
	case "/clear":
		fmt.Print("\033[H\033[2J")
	case "/toggle-stats":
		opts.ShowStats = !opts.ShowStats
		fmt.Printf("Stats display: %s%v%s\n", colorCyan, opts.ShowStats, colorReset)
	default:
		fmt.Printf(colorYellow+"Unknown command: %s (type /help for available commands)"+colorReset+"\n", cmd)
	}
	return id
}

func printCliHelp() {
	fmt.Printf("\n%sAvailable Commands:%s\n", colorBold, colorReset)
	fmt.Printf("  %s/help%s          Show this help message\n", colorCyan, colorReset)
	fmt.Printf("  %s/history%s       Show this session's answers without reasoning markup\n", colorCyan, colorReset)
	fmt.Printf("  %s/raw%s           Show this session's history exactly as stored\n", colorCyan, colorReset)
	fmt.Printf("  %s/new%s           Close this session and start a fresh one\n", colorCyan, colorReset)
	fmt.Printf("  %s/config%s        Show session configuration\n", colorCyan, colorReset)
	fmt.Printf("  %s/set <p> <v>%s   Set session parameter (e.g. /set stream off)\n", colorCyan, colorReset)
	fmt.Printf("  %s/clear%s         Clear the terminal screen\n", colorCyan, colorReset)
	fmt.Printf("  %s/toggle-stats%s  Toggle per-turn statistics display\n", colorCyan, colorReset)
	fmt.Printf("  %s/exit%s, %s/quit%s   Exit the CLI\n", colorCyan, colorReset, colorCyan, colorReset)
	fmt.Printf("\n%sEnd a line with \\ to continue the message on the next line.%s\n", colorGray, colorReset)
}

func printMessages(out io.Writer, msgs []conversation.Message) {
	for _, msg := range msgs {
		if msg.Role == conversation.RoleSystem {
			continue
		}
		label, color := "You", colorBlue
		if msg.Role == conversation.RoleAssistant {
			label, color = "LunarStudio", colorGreen
		}
		fmt.Fprintf(out, "%s%s:%s %s\n\n", color+colorBold, label, colorReset, msg.Content)
	}
}

func handleSetParam(opts *ChatOptions, param, value string) {
	if err := applySetParam(opts, param, value); err != nil {
		fmt.Printf(colorYellow+"%v"+colorReset+"\n", err)
		return
	}
	fmt.Printf("Param %s%s%s set to %s\n", colorCyan, param, colorReset, value)
}

// applySetParam updates one boolean session option from its text form.
func applySetParam(opts *ChatOptions, param, value string) error {
	var target *bool
	switch strings.ToLower(param) {
	case "stream":
		target = &opts.Stream
	case "stats":
		target = &opts.ShowStats
	default:
		return fmt.Errorf("unknown parameter: %s", param)
	}
	switch strings.ToLower(value) {
	case "true", "on", "1", "yes":
		*target = true
	case "false", "off", "0", "no":
		*target = false
	default:
		return fmt.Errorf("expected on or off, got %q", value)
	}
	return nil
}

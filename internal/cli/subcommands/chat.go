package subcommands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"LunarStudio/internal/config"
	"LunarStudio/internal/llmclient"
	"LunarStudio/internal/orchestrator"
	"LunarStudio/internal/pipeline"
	"LunarStudio/internal/runtime"
)

// ChatOptions capture per-invocation controls beyond config.
type ChatOptions struct {
	Stream    bool
	ShowStats bool
}

// RunChat sends one message through a throwaway session and prints the reply.
func RunChat(ctx context.Context, cfg config.Config, registry runtime.Registry, message string, opts ChatOptions, logger *zap.Logger) int {
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

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	start := time.Now()
	spin := startSpinner(os.Stdout, "Thinking")
	printer := newFragmentPrinter(os.Stdout, spin, "")

	var sink func(string) error
	if opts.Stream {
		sink = printer.Write
	}
	result, err := pipe.Respond(ctx, message, sink)
	spin.Stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "\n%sruntime error: %v%s\n", colorRed, err, colorReset)
		return 1
	}

	if opts.Stream {
		fmt.Println()
	} else {
		fmt.Println(result.Visible)
	}
	if opts.ShowStats {
		printResultStats(os.Stdout, result, time.Since(start))
	}
	logger.Debug("chat completed",
		zap.String("reason", string(result.Reason)),
		zap.Duration("duration", time.Since(start)))
	return 0
}

// RunExternal answers one message with the configured OpenAI-compatible
// provider. The local runtime, its cache and the retrieval index are not
// involved.
func RunExternal(ctx context.Context, cfg config.Config, message string, logger *zap.Logger) int {
	remote, err := llmclient.NewRemoteClient(cfg.External)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure external provider: %v\n", err)
		return 1
	}
	defer remote.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	system := cfg.Conversation.SystemMessage
	if strings.TrimSpace(system) == "" {
		system = orchestrator.DefaultAnswerSystemPrompt
	}
	messages := []runtime.ChatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: orchestrator.DirectMessage(message)},
	}

	spin := startSpinner(os.Stdout, "Waiting for "+cfg.External.Model)
	_, err = remote.Stream(ctx, messages, runtime.OptionsFromConfig(cfg.Runtime.Defaults), func(delta string) error {
		spin.Stop()
		_, werr := io.WriteString(os.Stdout, delta)
		return werr
	})
	spin.Stop()
	fmt.Println()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%sexternal error: %v%s\n", colorRed, err, colorReset)
		return 1
	}
	logger.Debug("external chat completed", zap.String("model", cfg.External.Model))
	return 0
}

// fragmentKind classifies one fragment of a turn's stream.
type fragmentKind int

const (
	fragmentAnswer fragmentKind = iota
	fragmentSearchStart
	fragmentQuery
	fragmentResultStart
	fragmentPreview
	fragmentResultEnd
	fragmentSearchEnd
)

// markerTracker follows the search progress markers that may precede the
// answer fragments.
type markerTracker struct {
	inSearch  bool
	wantQuery bool
	inResult  bool
}

func (t *markerTracker) classify(fragment string) fragmentKind {
	switch {
	case !t.inSearch && fragment == orchestrator.MarkerSearchOpen:
		t.inSearch, t.wantQuery = true, true
		return fragmentSearchStart
	case t.inSearch && t.wantQuery:
		t.wantQuery = false
		return fragmentQuery
	case t.inSearch && fragment == orchestrator.MarkerResultOpen:
		t.inResult = true
		return fragmentResultStart
	case t.inSearch && fragment == orchestrator.MarkerResultClose:
		t.inResult = false
		return fragmentResultEnd
	case t.inSearch && fragment == orchestrator.MarkerSearchClose:
		t.inSearch = false
		return fragmentSearchEnd
	case t.inResult:
		return fragmentPreview
	default:
		return fragmentAnswer
	}
}

// fragmentPrinter renders a turn's fragment stream, showing search progress
// as a dimmed block ahead of the answer.
type fragmentPrinter struct {
	out     io.Writer
	spin    *statusSpinner
	label   string
	started bool
	markers markerTracker
}

// newFragmentPrinter prints label once the first fragment arrives, after the
// spinner line has been cleared.
func newFragmentPrinter(out io.Writer, spin *statusSpinner, label string) *fragmentPrinter {
	return &fragmentPrinter{out: out, spin: spin, label: label}
}

func (p *fragmentPrinter) Write(fragment string) error {
	p.spin.Stop()
	if !p.started {
		p.started = true
		if _, err := io.WriteString(p.out, p.label); err != nil {
			return err
		}
	}

	var err error
	switch p.markers.classify(fragment) {
	case fragmentSearchStart:
		_, err = fmt.Fprintf(p.out, "%ssearching: ", colorGray)
	case fragmentQuery:
		_, err = fmt.Fprintf(p.out, "%s\n", fragment)
	case fragmentResultStart:
		_, err = io.WriteString(p.out, "  - ")
	case fragmentResultEnd:
		_, err = io.WriteString(p.out, "\n")
	case fragmentSearchEnd:
		_, err = fmt.Fprintf(p.out, "%s\n", colorReset)
	case fragmentPreview:
		_, err = io.WriteString(p.out, strings.ReplaceAll(fragment, "\n", " "))
	default:
		_, err = io.WriteString(p.out, fragment)
	}
	return err
}

func printResultStats(out io.Writer, result orchestrator.Result, duration time.Duration) {
	fmt.Fprintf(out, "\n%s--- Turn Stats ---%s\n", colorGray+colorBold, colorReset)
	if result.Directive.Search {
		fmt.Fprintf(out, "%sSearch:%s %q\n", colorGray, colorReset, result.Directive.Query)
		for i, passage := range result.Passages {
			fmt.Fprintf(out, "  [%d] %s%s%s\n", i+1, colorCyan, truncateString(passage, 80), colorReset)
		}
	} else {
		fmt.Fprintf(out, "%sSearch:%s none\n", colorGray, colorReset)
	}
	if result.Degraded {
		fmt.Fprintf(out, "%sRetrieval degraded; answered without results%s\n", colorYellow, colorReset)
	}
	fmt.Fprintf(out, "%sStop:%s %s\n", colorGray, colorReset, result.Reason)
	fmt.Fprintf(out, "%sDuration:%s %s\n", colorGray, colorReset, duration.Truncate(time.Millisecond))
}

// statusSpinner animates a status line until the first output arrives.
type statusSpinner struct {
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

func startSpinner(out io.Writer, message string) *statusSpinner {
	s := &statusSpinner{done: make(chan struct{})}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i = (i + 1) % len(frames) {
			fmt.Fprintf(out, "\r%s%s %s...%s", colorCyan, frames[i], message, colorReset)
			select {
			case <-s.done:
				fmt.Fprint(out, "\r\033[K")
				return
			case <-ticker.C:
			}
		}
	}()
	return s
}

// Stop clears the spinner line. It is safe to call more than once.
func (s *statusSpinner) Stop() {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}

package subcommands

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"LunarStudio/internal/config"
	"LunarStudio/internal/orchestrator"
	"LunarStudio/internal/pipeline"
	"LunarStudio/internal/rag"
	"LunarStudio/internal/runtime"
	"LunarStudio/internal/runtime/runtimetest"
	"LunarStudio/internal/session"
	"LunarStudio/internal/transcript"
)

func scriptedRegistry(rt *runtimetest.Adapter) runtime.Registry {
	return runtime.Registry{
		"scripted": func(config.RuntimeConfig) (runtime.Adapter, error) { return rt, nil },
	}
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Runtime.Backend = "scripted"
	cfg.Session.IdleTimeout = ""
	cfg.RAG.IndexPath = filepath.Join(dir, "index.db")
	cfg.Transcript.Path = filepath.Join(dir, "transcript.db")
	return cfg
}

func TestMarkerTrackerClassifiesSearchBlock(t *testing.T) {
	stream := []string{
		orchestrator.MarkerSearchOpen, "moons",
		orchestrator.MarkerResultOpen, "Phobos is", orchestrator.MarkerResultClose,
		orchestrator.MarkerSearchClose,
		"Answer ", "<result>",
	}
	want := []fragmentKind{
		fragmentSearchStart, fragmentQuery,
		fragmentResultStart, fragmentPreview, fragmentResultEnd,
		fragmentSearchEnd,
		fragmentAnswer, fragmentAnswer,
	}

	var tracker markerTracker
	for i, fragment := range stream {
		assert.Equal(t, want[i], tracker.classify(fragment), "fragment %d %q", i, fragment)
	}
}

func TestFragmentPrinterWritesLabelOnce(t *testing.T) {
	var out bytes.Buffer
	spin := startSpinner(io.Discard, "test")
	printer := newFragmentPrinter(&out, spin, "LS: ")

	for _, f := range []string{orchestrator.MarkerSearchOpen, "q", orchestrator.MarkerResultOpen, "line\nbreak", orchestrator.MarkerResultClose, orchestrator.MarkerSearchClose, "Hi", "!"} {
		require.NoError(t, printer.Write(f))
	}
	text := out.String()
	assert.Equal(t, 1, strings.Count(text, "LS: "))
	assert.Contains(t, text, "searching: q\n")
	assert.Contains(t, text, "  - line break\n")
	assert.True(t, strings.HasSuffix(text, "Hi!"))
}

func TestApplySetParam(t *testing.T) {
	opts := ChatOptions{Stream: true}
	require.NoError(t, applySetParam(&opts, "stream", "off"))
	assert.False(t, opts.Stream)
	require.NoError(t, applySetParam(&opts, "STATS", "yes"))
	assert.True(t, opts.ShowStats)

	assert.ErrorContains(t, applySetParam(&opts, "rag", "on"), "unknown parameter")
	assert.ErrorContains(t, applySetParam(&opts, "stream", "maybe"), "expected on or off")
}

func TestResolveServe(t *testing.T) {
	cfg := config.Default().Server

	host, port, kind, err := resolveServe(cfg, ServeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 42070, port)
	assert.Equal(t, "http", kind)

	host, port, kind, err = resolveServe(cfg, ServeOptions{Host: "0.0.0.0", Port: 9000, Type: "TCP"})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", host)
	assert.Equal(t, 9000, port)
	assert.Equal(t, "tcp", kind)

	_, _, _, err = resolveServe(cfg, ServeOptions{Type: "grpc"})
	assert.ErrorContains(t, err, "invalid server type")
}

func TestRunConfigPrintsYAML(t *testing.T) {
	var out bytes.Buffer
	require.Zero(t, RunConfig(&out, config.Default()))

	var decoded config.Config
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, "http", decoded.Runtime.Backend)
	assert.Equal(t, 42070, decoded.Server.Port)
}

func TestRunChatOneShot(t *testing.T) {
	rt := runtimetest.New("NO_SEARCH", "Done.")
	code := RunChat(context.Background(), testConfig(t), scriptedRegistry(rt), "hello", ChatOptions{Stream: true}, zap.NewNop())
	assert.Zero(t, code)
	assert.Equal(t, 2, rt.StatesFreed())
}

func TestRunChatReportsPipelineFailure(t *testing.T) {
	cfg := testConfig(t)
	cfg.Runtime.Backend = "missing"
	code := RunChat(context.Background(), cfg, runtime.Registry{}, "hello", ChatOptions{}, zap.NewNop())
	assert.Equal(t, 1, code)
}

func TestRunIndexBuildsIndex(t *testing.T) {
	embedSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embedding":[0.5,0.5]}`))
	}))
	defer embedSrv.Close()

	corpus := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "mars.txt"), []byte("Phobos and Deimos orbit Mars."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(corpus, "skip.bin"), []byte{0, 1, 2}, 0o644))

	cfg := testConfig(t)
	cfg.Embedding.LlamaCpp.BaseURL = embedSrv.URL
	cfg.Embedding.CacheTTL = ""

	code := RunIndex(context.Background(), cfg, IndexOptions{Path: corpus, Reset: true}, zap.NewNop())
	require.Zero(t, code)

	index, err := rag.Open(cfg.RAG)
	require.NoError(t, err)
	defer index.Close()
	count, err := index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRunIndexRequiresPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.RAG.CorpusPath = ""
	assert.Equal(t, 1, RunIndex(context.Background(), cfg, IndexOptions{}, zap.NewNop()))
}

func TestRunHistory(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, 1, RunHistory(context.Background(), cfg, HistoryOptions{}), "disabled transcripts")

	cfg.Transcript.Enabled = true
	store, err := transcript.Open(cfg.Transcript.Path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s1", session.AnswerTrack, "user", "hi"))
	require.NoError(t, store.Append(ctx, "s1", session.AnswerTrack, "assistant", "<think>x</think>Hello"))
	require.NoError(t, store.Close())

	assert.Zero(t, RunHistory(ctx, cfg, HistoryOptions{Limit: 5}))
	assert.Zero(t, RunHistory(ctx, cfg, HistoryOptions{SessionID: "s1", Track: "answer"}))
	assert.Equal(t, 1, RunHistory(ctx, cfg, HistoryOptions{SessionID: "s1", Track: "summary"}))
	assert.Equal(t, 1, RunHistory(ctx, cfg, HistoryOptions{SessionID: "missing"}))
}

func newTestModel(t *testing.T, rt *runtimetest.Adapter) tuiModel {
	t.Helper()
	pipe, err := pipeline.New(testConfig(t), scriptedRegistry(rt), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Close() })

	ctx := context.Background()
	id, err := pipe.Sessions().Start(ctx)
	require.NoError(t, err)

	m := initialModel(ctx, pipe.Config(), pipe, id, ChatOptions{Stream: true}, zap.NewNop())
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 40})
	return updated.(tuiModel)
}

func TestTuiTurnRoundTrip(t *testing.T) {
	rt := runtimetest.New("NO_SEARCH", "Hello from the moon.")
	m := newTestModel(t, rt)

	m.textarea.SetValue("hi")
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlS})
	m = updated.(tuiModel)
	require.NotNil(t, cmd)
	require.True(t, m.loading)
	require.Len(t, m.messages, 2)

	// Without a program there is no streaming sink; run the turn directly.
	res := m.runTurn("hi")()
	updated, _ = m.Update(res)
	m = updated.(tuiModel)

	assert.False(t, m.loading)
	last := m.messages[len(m.messages)-1]
	assert.Equal(t, "Hello from the moon.", last.content)
	require.NotNil(t, last.result)
	assert.False(t, last.result.Directive.Search)
}

func TestTuiFragmentsBuildSearchBlock(t *testing.T) {
	m := newTestModel(t, runtimetest.New())
	m.loading = true
	m.messages = append(m.messages, message{role: roleBot})

	for _, f := range []string{orchestrator.MarkerSearchOpen, "mars", orchestrator.MarkerResultOpen, "Phobos", orchestrator.MarkerResultClose, orchestrator.MarkerSearchClose, "Phobos", "."} {
		updated, _ := m.Update(fragmentMsg(f))
		m = updated.(tuiModel)
	}
	last := m.messages[len(m.messages)-1]
	assert.Equal(t, []string{"searching: mars", "- Phobos"}, last.search)
	assert.Equal(t, "Phobos.", last.content)
}

func TestTuiLocalCommands(t *testing.T) {
	m := newTestModel(t, runtimetest.New())

	handled, cmd := m.handleLocalCommand("/set stream", "/set stream")
	assert.True(t, handled)
	assert.Nil(t, cmd)
	assert.Contains(t, m.messages[len(m.messages)-1].content, "Usage")

	handled, _ = m.handleLocalCommand("/set stream off", "/set stream off")
	assert.True(t, handled)
	assert.False(t, m.opts.Stream)

	handled, _ = m.handleLocalCommand("hello", "hello")
	assert.False(t, handled)

	handled, cmd = m.handleLocalCommand("/new", "/new")
	require.True(t, handled)
	require.NotNil(t, cmd)
	old := m.sessionID
	updated, _ := m.Update(cmd())
	m = updated.(tuiModel)
	assert.NotEqual(t, old, m.sessionID)
	_, err := m.sessions.History(old)
	assert.ErrorIs(t, err, session.ErrUnknownSession)
}

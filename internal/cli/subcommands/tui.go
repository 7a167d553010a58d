package subcommands

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"LunarStudio/internal/config"
	"LunarStudio/internal/conversation"
	"LunarStudio/internal/orchestrator"
	"LunarStudio/internal/pipeline"
	"LunarStudio/internal/runtime"
	"LunarStudio/internal/session"
)

// Styles define the UI theme
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#C9D6FF")).
			Background(lipgloss.Color("#1b1f3b")).
			Padding(0, 2)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FF9F6B")).
			PaddingLeft(1)

	botStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#8FB8FF")).
			PaddingLeft(1)

	systemStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFE66D")).
			PaddingLeft(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	searchStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7a7a9a")).
			Italic(true).
			PaddingLeft(2)

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666680")).
			Italic(true).
			PaddingLeft(2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3d3d5c"))

	inputBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#8FB8FF"))

	suggestionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#8FB8FF")).
			Padding(0, 1)

	normalSuggestionStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#666680")).
				Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4a4a6a")).
			PaddingLeft(1)

	streamingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8FB8FF")).
			Italic(true)
)

var placeholders = []string{
	"What's on your mind?",
	"Ask about anything in your indexed notes...",
	"Type /help to see available commands",
	"Looking for something specific?",
}

var availableCommands = []string{
	"/help", "/history", "/raw", "/new", "/config", "/clear", "/set", "/exit", "/quit",
}

const (
	roleUser   = "User"
	roleBot    = "LunarStudio"
	roleSystem = "System"
)

type message struct {
	role    string
	content string
	// search holds the rendered progress block of a retrieval turn.
	search   []string
	result   *orchestrator.Result
	duration time.Duration
}

type tuiModel struct {
	ctx       context.Context
	pipe      *pipeline.Pipeline
	sessions  *session.Manager
	sessionID string
	cfg       config.Config
	opts      ChatOptions
	logger    *zap.Logger

	viewport viewport.Model
	textarea textarea.Model
	spinner  spinner.Model
	messages []message
	markers  markerTracker
	ready    bool
	loading  bool
	renderer *glamour.TermRenderer
	width    int
	height   int
	program  *tea.Program

	// Autocompletion
	suggestions     []string
	suggestionIdx   int
	showSuggestions bool

	// Menu/Popups
	menuOpen bool
	menuIdx  int
}

var menuOptions = []string{
	"New Session",
	"Show History",
	"Clear Screen",
	"Toggle Streaming",
	"Toggle Stats",
	"Exit LunarStudio",
}

func initialModel(ctx context.Context, cfg config.Config, pipe *pipeline.Pipeline, id string, opts ChatOptions, logger *zap.Logger) tuiModel {
	ta := textarea.New()
	ta.Placeholder = placeholders[rand.IntN(len(placeholders))]
	ta.Focus()

	ta.Prompt = "┃ "
	ta.CharLimit = 10000

	ta.SetWidth(80)
	ta.SetHeight(5)

	// Remove cursor line styling
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#8FB8FF"))

	renderer, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)

	return tuiModel{
		ctx:       ctx,
		pipe:      pipe,
		sessions:  pipe.Sessions(),
		sessionID: id,
		cfg:       cfg,
		opts:      opts,
		logger:    logger,
		textarea:  ta,
		spinner:   s,
		renderer:  renderer,
		messages:  []message{},
	}
}

func (m tuiModel) Init() tea.Cmd {
	return textarea.Blink
}

// fragmentMsg carries one streamed fragment of the running turn.
type fragmentMsg string

type turnResult struct {
	result orchestrator.Result
	err    error
	start  time.Time
}

type newSessionMsg struct {
	id  string
	err error
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		taCmd tea.Cmd
		vpCmd tea.Cmd
		spCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.menuOpen {
			switch msg.Type {
			case tea.KeyUp:
				m.menuIdx = (m.menuIdx - 1 + len(menuOptions)) % len(menuOptions)
				return m, nil
			case tea.KeyDown:
				m.menuIdx = (m.menuIdx + 1) % len(menuOptions)
				return m, nil
			case tea.KeyEnter:
				m.menuOpen = false
				return m, m.handleMenuSelection()
			case tea.KeyEsc, tea.KeyCtrlO:
				m.menuOpen = false
				return m, nil
			}
			return m, nil
		}

		if m.showSuggestions {
			switch msg.Type {
			case tea.KeyUp:
				m.suggestionIdx--
				if m.suggestionIdx < 0 {
					m.suggestionIdx = len(m.suggestions) - 1
				}
				return m, nil
			case tea.KeyDown:
				m.suggestionIdx++
				if m.suggestionIdx >= len(m.suggestions) {
					m.suggestionIdx = 0
				}
				return m, nil
			case tea.KeyEnter, tea.KeyTab:
				if len(m.suggestions) > 0 {
					m.textarea.SetValue(m.suggestions[m.suggestionIdx] + " ")
					m.textarea.CursorEnd()
					m.showSuggestions = false
					return m, nil
				}
			case tea.KeyEsc:
				m.showSuggestions = false
				return m, nil
			}
		}

		switch msg.Type {
		case tea.KeyCtrlC:
			// The first Ctrl+C stops a running reply; otherwise it quits.
			if m.loading {
				if err := m.sessions.RequestCancel(m.sessionID); err != nil {
					m.logger.Warn("cancel request failed", zap.Error(err))
				}
				return m, nil
			}
			return m, tea.Quit

		case tea.KeyEsc:
			return m, m.quit()

		case tea.KeyCtrlO:
			m.menuOpen = !m.menuOpen
			m.menuIdx = 0
			return m, nil

		case tea.KeyCtrlS:
			if m.loading {
				return m, nil
			}

			userMsg := m.textarea.Value()
			if strings.TrimSpace(userMsg) == "" {
				return m, nil
			}

			low := strings.ToLower(strings.TrimSpace(userMsg))
			if handled, cmd := m.handleLocalCommand(low, userMsg); handled {
				m.textarea.Reset()
				return m, cmd
			}

			m.messages = append(m.messages, message{role: roleUser, content: userMsg})
			m.textarea.Reset()
			m.loading = true
			m.markers = markerTracker{}

			// Filled by the fragment stream.
			m.messages = append(m.messages, message{role: roleBot})

			m.updateViewport()

			return m, tea.Batch(
				m.spinner.Tick,
				m.runTurn(userMsg),
			)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		inputHeight := 5
		verticalMarginHeight := headerHeight + inputHeight

		if !m.ready {
			m.viewport = viewport.New(msg.Width-4, msg.Height-verticalMarginHeight-4)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = msg.Width - 4
			m.viewport.Height = msg.Height - verticalMarginHeight - 4
		}

		m.textarea.SetWidth(msg.Width - 6)

		r, _ := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(m.viewport.Width-4),
		)
		m.renderer = r
		m.updateViewport()

	case fragmentMsg:
		if !m.loading || len(m.messages) == 0 {
			return m, nil
		}
		last := &m.messages[len(m.messages)-1]
		fragment := string(msg)
		switch m.markers.classify(fragment) {
		case fragmentSearchStart:
			last.search = append(last.search, "searching:")
		case fragmentQuery:
			last.search[len(last.search)-1] += " " + fragment
		case fragmentResultStart:
			last.search = append(last.search, "- ")
		case fragmentPreview:
			last.search[len(last.search)-1] += strings.ReplaceAll(fragment, "\n", " ")
		case fragmentResultEnd, fragmentSearchEnd:
		default:
			last.content += fragment
		}
		m.updateViewport()
		return m, nil

	case turnResult:
		m.loading = false
		last := &m.messages[len(m.messages)-1]
		if msg.err != nil {
			last.content = "Error: " + msg.err.Error()
		} else {
			last.content = msg.result.Visible
			result := msg.result
			last.result = &result
			last.duration = time.Since(msg.start)
		}
		m.updateViewport()
		return m, nil

	case newSessionMsg:
		if msg.err != nil {
			m.messages = append(m.messages, message{role: roleSystem, content: "Failed to start session: " + msg.err.Error()})
		} else {
			if err := m.sessions.Close(m.sessionID); err != nil {
				m.logger.Warn("failed to close previous session", zap.String("session", m.sessionID), zap.Error(err))
			}
			m.sessionID = msg.id
			m.messages = []message{{role: roleSystem, content: "Started session " + msg.id}}
		}
		m.updateViewport()
		return m, nil

	case spinner.TickMsg:
		if !m.loading {
			return m, nil
		}
		m.spinner, spCmd = m.spinner.Update(msg)
		m.updateViewport()
		return m, spCmd
	}

	m.textarea, taCmd = m.textarea.Update(msg)

	// Update autocompletion
	val := m.textarea.Value()
	if strings.HasPrefix(val, "/") {
		m.suggestions = []string{}
		for _, cmd := range availableCommands {
			if strings.HasPrefix(cmd, val) {
				m.suggestions = append(m.suggestions, cmd)
			}
		}
		if len(m.suggestions) > 0 {
			m.showSuggestions = true
			if m.suggestionIdx >= len(m.suggestions) {
				m.suggestionIdx = 0
			}
		} else {
			m.showSuggestions = false
		}
	} else {
		m.showSuggestions = false
	}

	m.viewport, vpCmd = m.viewport.Update(msg)

	return m, tea.Batch(taCmd, vpCmd)
}

// quit stops a running reply before leaving.
func (m *tuiModel) quit() tea.Cmd {
	if m.loading {
		_ = m.sessions.RequestCancel(m.sessionID)
	}
	return tea.Quit
}

func (m *tuiModel) handleMenuSelection() tea.Cmd {
	switch m.menuIdx {
	case 0:
		return m.startSession()
	case 1:
		m.showHistory(true)
	case 2:
		m.messages = []message{}
		m.viewport.SetContent("")
	case 3:
		m.opts.Stream = !m.opts.Stream
		m.messages = append(m.messages, message{role: roleSystem, content: fmt.Sprintf("Streaming: %v", m.opts.Stream)})
	case 4:
		m.opts.ShowStats = !m.opts.ShowStats
		m.messages = append(m.messages, message{role: roleSystem, content: fmt.Sprintf("Show stats: %v", m.opts.ShowStats)})
	case 5:
		return m.quit()
	}
	m.updateViewport()
	return nil
}

func (m *tuiModel) startSession() tea.Cmd {
	if m.loading {
		m.messages = append(m.messages, message{role: roleSystem, content: "Wait for the current reply to finish first."})
		m.updateViewport()
		return nil
	}
	ctx, sessions := m.ctx, m.sessions
	return func() tea.Msg {
		id, err := sessions.Start(ctx)
		return newSessionMsg{id: id, err: err}
	}
}

func (m *tuiModel) showHistory(sanitized bool) {
	var (
		msgs []conversation.Message
		err  error
	)
	if sanitized {
		msgs, err = m.sessions.HistorySanitized(m.sessionID)
	} else {
		msgs, err = m.sessions.History(m.sessionID)
	}
	if err != nil {
		m.messages = append(m.messages, message{role: roleSystem, content: "Error: " + err.Error()})
		return
	}
	var sb strings.Builder
	sb.WriteString("### Session History\n")
	for _, msg := range msgs {
		if msg.Role == conversation.RoleSystem {
			continue
		}
		fmt.Fprintf(&sb, "**%s**: %s\n\n", msg.Role, msg.Content)
	}
	m.messages = append(m.messages, message{role: roleSystem, content: sb.String()})
}

func (m *tuiModel) handleLocalCommand(low, raw string) (bool, tea.Cmd) {
	if low == "exit" || low == "quit" {
		return true, m.quit()
	}
	if !strings.HasPrefix(low, "/") {
		return false, nil
	}

	switch {
	case low == "/clear":
		m.messages = []message{}
		m.viewport.SetContent("")
		return true, nil

	case low == "/help":
		helpText := `
### Available Commands
- **/help**: Show this help message
- **/history**: Show this session's answers without reasoning markup
- **/raw**: Show this session's history exactly as stored
- **/new**: Close this session and start a fresh one
- **/config**: Show current session configuration
- **/clear**: Clear the screen
- **/set <param> <value>**: Update session settings (stream, stats)
- **Ctrl+C**: Stop the running reply, or quit when idle
- **exit/quit**: Close the application
`
		m.messages = append(m.messages, message{role: roleSystem, content: helpText})
		m.updateViewport()
		return true, nil

	case low == "/history" || low == "/raw":
		m.showHistory(low == "/history")
		m.updateViewport()
		return true, nil

	case low == "/new":
		return true, m.startSession()

	case low == "/config":
		confText := fmt.Sprintf(`
### Session Configuration
- **Session**: %s
- **Backend**: %s
- **Streaming**: %v
- **Show Stats**: %v
- **Retrieval**: %v
- **Top K / Forward**: %d / %d
`, m.sessionID, m.cfg.Runtime.Backend, m.opts.Stream, m.opts.ShowStats, m.pipe.Index() != nil, m.cfg.RAG.TopK, m.cfg.RAG.Forward)
		m.messages = append(m.messages, message{role: roleSystem, content: confText})
		m.updateViewport()
		return true, nil

	case strings.HasPrefix(low, "/set "):
		parts := strings.SplitN(strings.TrimSpace(raw[5:]), " ", 2)
		if len(parts) < 2 {
			m.messages = append(m.messages, message{role: roleSystem, content: "Usage: /set <param> <value>"})
		} else {
			param := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			if err := applySetParam(&m.opts, param, value); err != nil {
				m.messages = append(m.messages, message{role: roleSystem, content: err.Error()})
			} else {
				m.messages = append(m.messages, message{role: roleSystem, content: fmt.Sprintf("Parameter '%s' updated to '%s'", param, value)})
			}
		}
		m.updateViewport()
		return true, nil

	case low == "/exit" || low == "/quit":
		return true, m.quit()
	}

	m.messages = append(m.messages, message{role: roleSystem, content: fmt.Sprintf("Unknown command: %s", raw)})
	m.updateViewport()
	return true, nil
}

func (m *tuiModel) updateViewport() {
	var sb strings.Builder

	for i, msg := range m.messages {
		switch msg.role {
		case roleSystem:
			sb.WriteString(systemStyle.Render("SYSTEM") + "\n")
			rendered := msg.content
			if r, err := m.renderer.Render(msg.content); err == nil {
				rendered = r
			}
			sb.WriteString(rendered + "\n")

		case roleUser:
			sb.WriteString(userStyle.Render("YOU") + "\n")
			sb.WriteString(msg.content + "\n\n")

		case roleBot:
			sb.WriteString(botStyle.Render("LUNARSTUDIO") + "\n")
			for _, line := range msg.search {
				sb.WriteString(searchStyle.Render(line) + "\n")
			}

			rendered := msg.content
			if msg.content != "" {
				if r, err := m.renderer.Render(msg.content); err == nil {
					rendered = r
				}
			}
			sb.WriteString(rendered)

			if i == len(m.messages)-1 && !m.loading && m.opts.ShowStats && msg.result != nil {
				statsStr := fmt.Sprintf("stop=%s | search=%v | passages=%d | %s",
					msg.result.Reason, msg.result.Directive.Search, len(msg.result.Passages),
					msg.duration.Truncate(time.Millisecond))
				if msg.result.Degraded {
					statsStr += " | degraded"
				}
				sb.WriteString("\n" + statsStyle.Render(statsStr) + "\n")
			}
			sb.WriteString("\n")
		}
	}

	if m.loading {
		sb.WriteString("\n" + m.spinner.View() + streamingStyle.Render(" Generating... (Ctrl+C to stop)"))
	}

	m.viewport.SetContent(sb.String())
	m.viewport.GotoBottom()
}

func (m tuiModel) runTurn(input string) tea.Cmd {
	ctx, sessions, id, program, stream := m.ctx, m.sessions, m.sessionID, m.program, m.opts.Stream
	return func() tea.Msg {
		start := time.Now()
		var sink func(string) error
		if stream && program != nil {
			sink = func(fragment string) error {
				program.Send(fragmentMsg(fragment))
				return nil
			}
		}
		res, err := sessions.SubmitTurn(ctx, id, input, sink)
		return turnResult{result: res, err: err, start: start}
	}
}

func (m tuiModel) View() string {
	if !m.ready {
		return "\n  Initializing LunarStudio..."
	}

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render(" LunarStudio "),
		subtitleStyle.Render("session "+shortID(m.sessionID)),
	)

	viewport := borderStyle.Render(m.viewport.View())

	inputArea := m.textarea.View()
	if m.showSuggestions && len(m.suggestions) > 0 {
		var suggBuilder strings.Builder
		for i, s := range m.suggestions {
			if i == m.suggestionIdx {
				suggBuilder.WriteString(suggestionStyle.Render(s) + "\n")
			} else {
				suggBuilder.WriteString(normalSuggestionStyle.Render(s) + "\n")
			}
		}
		inputArea = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("#8FB8FF")).
				Padding(0, 1).
				Render(suggBuilder.String()),
			inputArea,
		)
	}

	input := inputBorderStyle.Render(inputArea)

	mainView := fmt.Sprintf("%s\n%s\n%s", header, viewport, input)

	if m.menuOpen {
		var menuBuilder strings.Builder
		menuBuilder.WriteString(lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8FB8FF")).Render("OPTIONS") + "\n\n")
		for i, opt := range menuOptions {
			if i == m.menuIdx {
				menuBuilder.WriteString(lipgloss.NewStyle().
					Background(lipgloss.Color("#8FB8FF")).
					Foreground(lipgloss.Color("#1b1f3b")).
					Bold(true).
					Padding(0, 1).
					Render("> "+opt) + "\n")
			} else {
				menuBuilder.WriteString(lipgloss.NewStyle().
					Foreground(lipgloss.Color("#a0a0b0")).
					Padding(0, 1).
					Render("  "+opt) + "\n")
			}
		}

		menuPopup := lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("#8FB8FF")).
			Padding(1, 2).
			Render(menuBuilder.String())

		mainView = lipgloss.Place(m.width, m.height,
			lipgloss.Center, lipgloss.Center,
			menuPopup,
			lipgloss.WithWhitespaceChars(" "),
			lipgloss.WithWhitespaceForeground(lipgloss.Color("#0a0a14")),
		)
	}

	streamStatus := "off"
	if m.opts.Stream {
		streamStatus = "on"
	}
	help := helpStyle.Render(fmt.Sprintf("Ctrl+S Send | Ctrl+O Menu | Ctrl+C Stop | /help Commands | Stream: %s", streamStatus))

	return mainView + "\n" + help
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RunTui executes the Charm TUI mode.
func RunTui(ctx context.Context, cfg config.Config, registry runtime.Registry, opts ChatOptions, logger *zap.Logger) int {
	pipe, err := pipeline.New(cfg, registry, logger)
	if err != nil {
		fmt.Printf("failed to initialize pipeline: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := pipe.Close(); closeErr != nil {
			logger.Warn("failed to close pipeline", zap.Error(closeErr))
		}
	}()

	id, err := pipe.Sessions().Start(ctx)
	if err != nil {
		fmt.Printf("failed to start session: %v\n", err)
		return 1
	}

	m := initialModel(ctx, cfg, pipe, id, opts, logger)
	p := tea.NewProgram(
		&m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	m.program = p

	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		return 1
	}
	return 0
}

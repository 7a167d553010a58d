package subcommands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"LunarStudio/internal/config"
	"LunarStudio/internal/conversation"
	"LunarStudio/internal/sanitize"
	"LunarStudio/internal/session"
	"LunarStudio/internal/transcript"
)

// HistoryOptions select what the history command prints.
type HistoryOptions struct {
	SessionID string
	Track     string
	Limit     int
	Raw       bool
}

// RunHistory lists stored sessions, or prints one session's track.
func RunHistory(ctx context.Context, cfg config.Config, opts HistoryOptions) int {
	if !cfg.Transcript.Enabled {
		fmt.Fprintln(os.Stderr, "transcripts are disabled; set transcript.enabled: true to record sessions")
		return 1
	}
	store, err := transcript.Open(cfg.Transcript.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open transcript store: %v\n", err)
		return 1
	}
	defer store.Close()

	if opts.SessionID == "" {
		return listSessions(ctx, store, opts.Limit)
	}

	track := strings.ToLower(strings.TrimSpace(opts.Track))
	if track == "" {
		track = session.AnswerTrack
	}
	if track != session.AnswerTrack && track != session.DecisionTrack {
		fmt.Fprintf(os.Stderr, "unknown track %q (must be %s or %s)\n", opts.Track, session.AnswerTrack, session.DecisionTrack)
		return 1
	}

	entries, err := store.Session(ctx, opts.SessionID, track)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read session: %v\n", err)
		return 1
	}
	if len(entries) == 0 {
		fmt.Fprintf(os.Stderr, "no %s messages stored for session %s\n", track, opts.SessionID)
		return 1
	}

	fmt.Printf("%sSession %s (%s track)%s\n\n", colorBold, opts.SessionID, track, colorReset)
	msgs := make([]conversation.Message, 0, len(entries))
	for _, entry := range entries {
		content := entry.Content
		if !opts.Raw && conversation.Role(entry.Role) == conversation.RoleAssistant {
			content = sanitize.StripMarkup(content)
		}
		msgs = append(msgs, conversation.Message{Role: conversation.Role(entry.Role), Content: content})
	}
	printMessages(os.Stdout, msgs)
	return 0
}

func listSessions(ctx context.Context, store *transcript.Store, limit int) int {
	summaries, err := store.Sessions(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to list sessions: %v\n", err)
		return 1
	}
	if len(summaries) == 0 {
		fmt.Println("No sessions recorded yet.")
		return 0
	}
	fmt.Printf("%s%-36s  %8s  %-19s  %-19s%s\n", colorBold, "SESSION", "MESSAGES", "STARTED", "UPDATED", colorReset)
	for _, s := range summaries {
		fmt.Printf("%-36s  %8d  %-19s  %-19s\n",
			s.SessionID, s.Messages,
			s.Started.Local().Format(time.DateTime), s.Updated.Local().Format(time.DateTime))
	}
	return 0
}

package query

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/amon-ai/amon/internal/provider"
	"github.com/amon-ai/amon/internal/session"
	"github.com/amon-ai/amon/pkg/types"
)

const (
	// TitleCadence is the number of exchanges between title refreshes.
	TitleCadence = 10

	titleHistory  = 10
	titleSnippet  = 200
	titleMaxRunes = 20
	titleTimeout  = 60 * time.Second
)

// ShouldRefreshTitle reports whether a completed exchange should retitle
// the session: always while it has its placeholder name, then every
// TitleCadence exchanges unless that count already triggered.
func ShouldRefreshTitle(s *types.Session) bool {
	n := s.UserMessageCount()
	if n == 0 {
		return false
	}
	if session.HasDefaultName(s) {
		return true
	}
	return n%TitleCadence == 0 && n != s.TitleRefreshCount
}

// TitlePrompt asks for a short title for the last messages.
func TitlePrompt(msgs []types.Message) string {
	if len(msgs) > titleHistory {
		msgs = msgs[len(msgs)-titleHistory:]
	}
	var sb strings.Builder
	sb.WriteString("Write a short title (at most 15 characters, no quotes) for this conversation. Reply with the title only.\n\n")
	for i := range msgs {
		m := &msgs[i]
		role := "Assistant"
		if m.Role == types.RoleUser {
			role = "User"
		}
		text := m.Text()
		if utf8.RuneCountInString(text) > titleSnippet {
			text = string([]rune(text)[:titleSnippet]) + "..."
		}
		fmt.Fprintf(&sb, "%s: %s\n\n", role, text)
	}
	sb.WriteString("Title:")
	return sb.String()
}

// CleanTitle strips quotes and line breaks from a model answer and cuts it
// to the maximum title length.
func CleanTitle(raw string) string {
	t := strings.TrimSpace(raw)
	t = strings.Trim(t, "\"'“”‘’")
	t = strings.ReplaceAll(t, "\r", "")
	t = strings.ReplaceAll(t, "\n", " ")
	t = strings.TrimSpace(t)
	if utf8.RuneCountInString(t) > titleMaxRunes {
		t = strings.TrimSpace(string([]rune(t)[:titleMaxRunes]))
	}
	return t
}

// refreshTitle runs a single-turn query without tools and renames the
// session with its answer. Errors are logged only.
func (o *Orchestrator) refreshTitle(sessionID string, agent types.AgentSettings, workspace string, count int) {
	ctx, cancel := context.WithTimeout(o.ctx, titleTimeout)
	defer cancel()

	log := o.log.With().Str("session", sessionID).Logger()
	title, err := o.generateTitle(ctx, sessionID, agent, workspace)
	if err != nil {
		log.Warn().Err(err).Msg("title refresh failed")
		return
	}
	if title == "" {
		log.Debug().Msg("title refresh returned nothing")
		return
	}
	if err := o.sessions.Rename(ctx, sessionID, title); err != nil {
		log.Warn().Err(err).Msg("title rename failed")
		return
	}
	if err := o.sessions.SetTitleRefreshCount(sessionID, count); err != nil {
		log.Warn().Err(err).Msg("title count not recorded")
	}
	log.Info().Str("title", title).Msg("session retitled")
}

func (o *Orchestrator) generateTitle(ctx context.Context, sessionID string, agent types.AgentSettings, workspace string) (string, error) {
	msgs, err := o.sessions.Messages(sessionID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}

	p, err := o.providers.Resolve(ctx, agent)
	if err != nil {
		return "", err
	}
	req := &provider.Request{
		Prompt:    TitlePrompt(msgs),
		Workspace: workspace,
		MaxTurns:  1,
		NoTools:   true,
		Env:       provider.Env(agent),
		CanUseTool: func(context.Context, string, map[string]any) types.Decision {
			return types.Deny("tools are disabled")
		},
	}
	stream, err := p.Query(ctx, req)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var text strings.Builder
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", err
		}
		switch msg.Type {
		case provider.TypeResult:
			if msg.Result != "" {
				return CleanTitle(msg.Result), nil
			}
			return CleanTitle(text.String()), nil
		case provider.TypeStreamEvent:
			if msg.Event != nil && msg.Event.Delta != nil && msg.Event.Delta.Type == provider.DeltaText {
				text.WriteString(msg.Event.Delta.Text)
			}
		}
	}
	return CleanTitle(text.String()), nil
}

package chat

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/nugget/supportdesk/internal/store"
)

// Export formats.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
)

// ErrUnsupportedFormat is returned by Export for unknown formats.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Conversation returns a conversation owned by userID with all of its
// messages.
func (o *Orchestrator) Conversation(ctx context.Context, userID, id string) (*store.Conversation, []store.Message, error) {
	if _, err := o.owned(ctx, userID, id); err != nil {
		return nil, nil, err
	}
	conv, msgs, err := o.store.GetConversationWithMessages(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, ErrConversationNotFound
	}
	return conv, msgs, err
}

// Conversations lists userID's conversations, most recently updated
// first, with the total count for pagination.
func (o *Orchestrator) Conversations(ctx context.Context, userID string, limit, offset int) ([]store.Conversation, int, error) {
	return o.store.ListConversations(ctx, userID, limit, offset)
}

// DeleteConversation removes a conversation owned by userID. It waits
// for any in-flight request on the conversation to finish.
func (o *Orchestrator) DeleteConversation(ctx context.Context, userID, id string) error {
	if _, err := o.owned(ctx, userID, id); err != nil {
		return err
	}
	unlock, err := o.locks.Lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	ok, err := o.store.DeleteConversation(ctx, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if !ok {
		return ErrConversationNotFound
	}
	o.logger.Info("conversation deleted", "conversation_id", id)
	return nil
}

// Export renders a conversation transcript. It returns the document and
// its content type.
func (o *Orchestrator) Export(ctx context.Context, userID, id, format string) ([]byte, string, error) {
	if format == "" {
		format = FormatMarkdown
	}
	if format != FormatMarkdown && format != FormatHTML {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	conv, msgs, err := o.Conversation(ctx, userID, id)
	if err != nil {
		return nil, "", err
	}

	md := Transcript(conv, msgs)
	if format == FormatMarkdown {
		return []byte(md), "text/markdown; charset=utf-8", nil
	}

	doc, err := renderHTML(transcriptTitle(conv), md)
	if err != nil {
		return nil, "", fmt.Errorf("render transcript: %w", err)
	}
	return doc, "text/html; charset=utf-8", nil
}

// Transcript renders a conversation as markdown.
func Transcript(conv *store.Conversation, msgs []store.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# %s\n\n", transcriptTitle(conv))
	fmt.Fprintf(&sb, "_Started %s_\n", conv.CreatedAt.UTC().Format(time.RFC1123))

	for _, m := range msgs {
		speaker := "Customer"
		if m.Role == store.RoleAssistant {
			speaker = "Support"
			if m.Category != "" {
				speaker += " (" + m.Category + ")"
			}
		}
		fmt.Fprintf(&sb, "\n## %s · %s\n\n", speaker, m.CreatedAt.UTC().Format("2006-01-02 15:04"))
		sb.WriteString(strings.TrimSpace(m.Content))
		sb.WriteString("\n")

		if len(m.ToolInvocations) > 0 {
			names := make([]string, 0, len(m.ToolInvocations))
			for _, inv := range m.ToolInvocations {
				names = append(names, "`"+inv.Name+"`")
			}
			fmt.Fprintf(&sb, "\n_Actions: %s_\n", strings.Join(names, ", "))
		}
	}
	return sb.String()
}

func transcriptTitle(conv *store.Conversation) string {
	if conv.Title != "" {
		return conv.Title
	}
	return "Conversation " + conv.ID
}

var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

func renderHTML(title, md string) ([]byte, error) {
	var body bytes.Buffer
	if err := markdown.Convert([]byte(md), &body); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5;">
%s
</body></html>
`, html.EscapeString(title), body.String())
	return buf.Bytes(), nil
}

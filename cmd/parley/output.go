package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"parley/internal/model"
	"parley/internal/sources"
)

const (
	formatTable = "table"
	formatYAML  = "yaml"
	formatJSON  = "json"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	roleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("135"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	noteStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)
)

type chatView struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	Model     string    `json:"model,omitempty" yaml:"model,omitempty"`
	Current   bool      `json:"current" yaml:"current"`
	Pending   bool      `json:"pending,omitempty" yaml:"pending,omitempty"`
	UpdatedAt time.Time `json:"updatedAt" yaml:"updated_at"`
}

type messageView struct {
	ID        string    `json:"id" yaml:"id"`
	Role      string    `json:"role" yaml:"role"`
	Content   string    `json:"content" yaml:"content"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

type sourceView struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title,omitempty" yaml:"title,omitempty"`
	URL   string `json:"url,omitempty" yaml:"url,omitempty"`
}

type userView struct {
	ID             string `json:"id" yaml:"id"`
	DisplayName    string `json:"displayName" yaml:"display_name"`
	Email          string `json:"email,omitempty" yaml:"email,omitempty"`
	PreferredModel string `json:"preferredModel,omitempty" yaml:"preferred_model,omitempty"`
	SystemPrompt   string `json:"systemPrompt,omitempty" yaml:"system_prompt,omitempty"`
	Anonymous      bool   `json:"anonymous" yaml:"anonymous"`
	MessagesToday  int    `json:"dailyMessageCount" yaml:"messages_today"`
}

// render writes v as yaml or json, or calls table for the default format.
func (c *cli) render(v any, table func(w io.Writer)) error {
	switch c.format {
	case formatYAML:
		enc := yaml.NewEncoder(c.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case formatJSON:
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("failed to encode json: %w", err)
		}
		return nil
	default:
		table(c.out)
		return nil
	}
}

func chatViews(chats []model.Chat, currentID string) []chatView {
	out := make([]chatView, 0, len(chats))
	for _, chat := range chats {
		out = append(out, chatView{
			ID:        chat.ID,
			Title:     chat.Title,
			Model:     chat.Model,
			Current:   chat.ID == currentID,
			Pending:   chat.IsTemporary(),
			UpdatedAt: chat.UpdatedAt,
		})
	}
	return out
}

func writeChats(w io.Writer, chats []chatView) {
	if len(chats) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No chats yet"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d chat(s)", len(chats))))
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, titleStyle.Render(" ")+"\t"+titleStyle.Render("ID")+"\t"+titleStyle.Render("Title")+"\t"+titleStyle.Render("Updated"))
	for _, chat := range chats {
		marker := " "
		if chat.Current {
			marker = "*"
		}
		title := chat.Title
		if len([]rune(title)) > 50 {
			title = string([]rune(title)[:47]) + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", marker, idStyle.Render(chat.ID), title, dateStyle.Render(formatWhen(chat.UpdatedAt)))
	}
	_ = tw.Flush()
}

func messageViews(messages []model.Message) []messageView {
	out := make([]messageView, 0, len(messages))
	for _, msg := range messages {
		content := msg.Content
		if strings.TrimSpace(content) == "" {
			content = sources.Text(msg.Parts)
		}
		out = append(out, messageView{ID: msg.ID, Role: msg.Role, Content: content, CreatedAt: msg.CreatedAt})
	}
	return out
}

func writeMessages(w io.Writer, messages []messageView) {
	if len(messages) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No messages yet"))
		return
	}
	for i, msg := range messages {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintf(w, "%s %s\n", roleStyle.Render(msg.Role), idStyle.Render(msg.ID))
		fmt.Fprintln(w, msg.Content)
	}
}

func sourceViews(in []sources.NormalizedSource) []sourceView {
	out := make([]sourceView, 0, len(in))
	for _, src := range in {
		out = append(out, sourceView{ID: src.ID, Title: src.Title, URL: src.URL})
	}
	return out
}

func writeSources(w io.Writer, srcs []sourceView) {
	if len(srcs) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No sources"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%d source(s)", len(srcs))))
	for i, src := range srcs {
		title := src.Title
		if title == "" {
			title = src.ID
		}
		line := fmt.Sprintf("[%d] %s", i+1, titleStyle.Render(title))
		if src.URL != "" {
			line += " " + idStyle.Render(src.URL)
		}
		fmt.Fprintln(w, line)
	}
}

func newUserView(user *model.UserProfile) userView {
	return userView{
		ID:             user.ID,
		DisplayName:    user.DisplayName,
		Email:          user.Email,
		PreferredModel: user.PreferredModel,
		SystemPrompt:   user.SystemPrompt,
		Anonymous:      user.Anonymous,
		MessagesToday:  user.DailyMessageCount,
	}
}

func writeUser(w io.Writer, user userView) {
	name := user.DisplayName
	if user.Anonymous {
		name += " (guest)"
	}
	fmt.Fprintln(w, titleStyle.Render(name)+" "+idStyle.Render(user.ID))
	if user.PreferredModel != "" {
		fmt.Fprintf(w, "model:  %s\n", user.PreferredModel)
	}
	if user.SystemPrompt != "" {
		fmt.Fprintf(w, "prompt: %s\n", user.SystemPrompt)
	}
	fmt.Fprintf(w, "today:  %d message(s)\n", user.MessagesToday)
}

func formatWhen(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.Local()
	diff := time.Since(t)
	switch {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}

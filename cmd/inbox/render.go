package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/tullo/inbox/internal/poller"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	tabStyle    = lipgloss.NewStyle().Faint(true)
	activeTab   = lipgloss.NewStyle().Bold(true).Underline(true)
	unreadStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	mineStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	onlineDot   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Render("●")
)

// terminal renders views as plain text blocks.
type terminal struct {
	out io.Writer
}

func (t *terminal) Render(v poller.View) {
	fmt.Fprintln(t.out, renderView(v))
}

func renderView(v poller.View) string {
	var b strings.Builder

	tabs := []string{}
	for _, tab := range []poller.Tab{poller.TabConversations, poller.TabRequests} {
		label := tab.String()
		if tab == poller.TabConversations && v.Unread() > 0 {
			label = fmt.Sprintf("%s (%d)", label, v.Unread())
		}
		if tab == poller.TabRequests && v.Requests != nil && len(v.Requests.Received) > 0 {
			label = fmt.Sprintf("%s (%d)", label, len(v.Requests.Received))
		}
		if tab == v.Tab {
			tabs = append(tabs, activeTab.Render(label))
		} else {
			tabs = append(tabs, tabStyle.Render(label))
		}
	}
	b.WriteString(strings.Join(tabs, "  "))
	b.WriteString("\n")

	if v.Notice != "" {
		b.WriteString(noticeStyle.Render("! " + v.Notice + "  (dismiss to hide)"))
		b.WriteString("\n")
	}

	switch v.Tab {
	case poller.TabRequests:
		renderRequests(&b, v)
	default:
		renderConversations(&b, v)
	}

	if v.OpenID != 0 {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(fmt.Sprintf("Conversation #%d", v.OpenID)))
		b.WriteString("\n")
		for _, m := range v.Messages {
			line := fmt.Sprintf("[%s] %s", m.CreatedAt.Local().Format("15:04"), m.Content)
			if m.Mine {
				line = mineStyle.Render("you " + line)
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	return strings.TrimRight(b.String(), "\n")
}

func renderConversations(b *strings.Builder, v poller.View) {
	if len(v.Conversations) == 0 {
		b.WriteString("no conversations yet\n")
		return
	}
	for _, c := range v.Conversations {
		name := c.OtherUser.DisplayName
		if c.OtherUserOnline {
			name += " " + onlineDot
		}
		preview := ""
		if c.LastMessage != nil {
			preview = truncate(c.LastMessage.Content, 40)
		}
		line := fmt.Sprintf("#%-4d %-20s %s", c.ID, name, preview)
		if c.UnreadCount > 0 {
			line = unreadStyle.Render(fmt.Sprintf("%s [%d]", line, c.UnreadCount))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func renderRequests(b *strings.Builder, v poller.View) {
	if v.Requests == nil {
		b.WriteString("loading requests...\n")
		return
	}
	b.WriteString(titleStyle.Render("Received"))
	b.WriteString("\n")
	for _, r := range v.Requests.Received {
		from := ""
		if r.Requester != nil {
			from = r.Requester.DisplayName
		}
		fmt.Fprintf(b, "#%-4d from %-20s %s\n", r.ID, from, truncate(r.Message, 40))
	}
	b.WriteString(titleStyle.Render("Sent"))
	b.WriteString("\n")
	for _, r := range v.Requests.Sent {
		to := ""
		if r.Recipient != nil {
			to = r.Recipient.DisplayName
		}
		fmt.Fprintf(b, "#%-4d to   %-20s %s\n", r.ID, to, r.Status)
	}
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

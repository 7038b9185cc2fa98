package watch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

func (m Model) renderView() string {
	if m.Width == 0 || m.Height == 0 {
		return "Loading..."
	}
	if m.Width < MinWidth || m.Height < MinHeight {
		return m.renderCompact()
	}
	if m.ShowHelp {
		return m.renderHelp()
	}

	header := m.renderHeader()
	footer := m.renderFooter()
	height := m.Height - lipgloss.Height(header) - lipgloss.Height(footer) - 2
	feed := m.renderFeed(height)
	return lipgloss.JoinVertical(lipgloss.Left, header, feed, footer)
}

// renderCompact renders a minimal view for small terminals
func (m Model) renderCompact() string {
	var s strings.Builder
	s.WriteString("blocksync watch (resize for full view)\n\n")
	s.WriteString(fmt.Sprintf("Updates: %d\n", len(m.Items)))
	if len(m.Items) > 0 {
		ev := m.Items[0]
		s.WriteString(fmt.Sprintf("Last: %s %s\n", ev.Collection, ev.Key))
	}
	s.WriteString("\nq:quit ?:help")
	return s.String()
}

func (m Model) renderHelp() string {
	rows := [][2]string{
		{"j/k", "scroll"},
		{"g", "back to newest"},
		{"/", "filter by collection"},
		{"esc", "clear filter"},
		{"c", "clear feed"},
		{"?", "toggle help"},
		{"q", "quit"},
	}
	var s strings.Builder
	s.WriteString(titleStyle.Render("KEYS"))
	s.WriteString("\n\n")
	for _, r := range rows {
		s.WriteString(fmt.Sprintf("  %-6s %s\n", keyStyle.Render(r[0]), subtleStyle.Render(r[1])))
	}
	return panelStyle.Render(s.String())
}

func (m Model) renderHeader() string {
	parts := []string{titleStyle.Render("blocksync watch")}

	listeners := fmt.Sprintf("%d listeners", m.Stat.Listeners)
	if m.Stat.Listeners > 0 {
		parts = append(parts, okStyle.Render("● "+listeners))
	} else {
		parts = append(parts, errStyle.Render("○ "+listeners))
	}
	if m.Stat.Pending > 0 {
		parts = append(parts, pendingStyle.Render(fmt.Sprintf("%d retrying", m.Stat.Pending)))
	}
	if m.Stat.Dirty > 0 {
		parts = append(parts, pendingStyle.Render(fmt.Sprintf("%d unpushed", m.Stat.Dirty)))
	}
	if m.Closed {
		parts = append(parts, errStyle.Render("feed closed"))
	}

	line := strings.Join(parts, subtleStyle.Render(" │ "))
	return line + "\n" + m.renderCounts()
}

// renderCounts lists per-collection update counts, busiest first.
func (m Model) renderCounts() string {
	if len(m.Counts) == 0 {
		return subtleStyle.Render("waiting for remote updates since " + humanize.Time(m.StartedAt))
	}
	names := make([]string, 0, len(m.Counts))
	for name := range m.Counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if m.Counts[names[i]] != m.Counts[names[j]] {
			return m.Counts[names[i]] > m.Counts[names[j]]
		}
		return names[i] < names[j]
	})
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s %d", formatCollection(name), m.Counts[name]))
	}
	return strings.Join(parts, "  ")
}

func (m Model) renderFeed(height int) string {
	title := "UPDATES"
	if m.Filter != "" {
		title = fmt.Sprintf("UPDATES /%s", m.Filter)
	}
	if height < 1 {
		height = 1
	}

	items := m.Visible()
	var content strings.Builder
	if len(items) == 0 {
		content.WriteString(subtleStyle.Render("No updates yet"))
	}
	start := m.Scroll
	if start > len(items) {
		start = len(items)
	}
	end := start + height - 1
	if end > len(items) {
		end = len(items)
	}
	for i, ev := range items[start:end] {
		if i > 0 {
			content.WriteString("\n")
		}
		content.WriteString(m.formatEvent(ev))
	}

	body := panelTitleStyle.Render(title) + "\n" + content.String()
	return panelStyle.Width(m.Width - 2).Height(height).Render(body)
}

// formatEvent formats a single feed row
func (m Model) formatEvent(ev Event) string {
	ts := timestampStyle.Render(ev.At.Format("15:04:05"))
	name := formatCollection(ev.Collection)
	if ev.Key != "" {
		name += subtleStyle.Render("/" + ev.Key)
	}

	var detail string
	switch {
	case ev.Err != nil:
		detail = errStyle.Render("apply failed: " + ev.Err.Error())
	case ev.Data == nil:
		detail = removedStyle.Render("removed")
	default:
		detail = subtleStyle.Render(humanize.Bytes(uint64(len(ev.Data)))) + " " +
			truncateString(string(ev.Data), m.Width-50)
	}
	return fmt.Sprintf("%s %s %s", ts, name, detail)
}

func (m Model) renderFooter() string {
	if m.FilterMode {
		return m.FilterInput.View()
	}
	help := "q:quit j/k:scroll /:filter c:clear ?:help"
	if n := len(m.Visible()); n > 0 {
		help = fmt.Sprintf("%d/%d  %s", m.Scroll+1, n, help)
	}
	return helpStyle.Render(help)
}

// truncateString truncates a string to maxLen with ellipsis
func truncateString(s string, maxLen int) string {
	if maxLen <= 3 || lipgloss.Width(s) <= maxLen {
		return s
	}
	r := []rune(s)
	if len(r) > maxLen-3 {
		return string(r[:maxLen-3]) + "..."
	}
	return s
}

// Package output provides styled terminal output helpers (success, error,
// warning, record and task formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/marcus/blocksync/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dirtyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	xpStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	levelStyles  = map[string]lipgloss.Style{
		"debug": lipgloss.NewStyle().Foreground(lipgloss.Color("242")),
		"info":  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"warn":  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"error": lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	difficultyStyles = map[models.Difficulty]lipgloss.Style{
		models.DifficultyEasy:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		models.DifficultyMedium: lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.DifficultyHard:   lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, errorStyle.Render("ERROR: "+fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, warningStyle.Render("Warning: "+fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeDatabaseError = "database_error"
	ErrCodeRemoteError   = "remote_error"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeNotConfigured = "not_configured"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
	fmt.Println(string(data))
}

// FormatTimeAgo formats a time as a compact "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	case diff < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	default:
		return t.Format("2006-01-02")
	}
}

// FormatRelative formats a time in words ("3 minutes ago"). Zero times
// render as "never".
func FormatRelative(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

// FormatMillis formats an epoch-milliseconds timestamp as local time plus
// its relative age.
func FormatMillis(ms int64) string {
	if ms <= 0 {
		return "never"
	}
	t := time.UnixMilli(ms)
	return fmt.Sprintf("%s (%s)", t.Local().Format("2006-01-02 15:04:05"), humanize.Time(t))
}

// FormatBytes formats a byte count ("1.2 kB").
func FormatBytes(n int) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

// FormatXP formats an XP amount with thousands separators.
func FormatXP(xp int) string {
	return xpStyle.Render(humanize.Comma(int64(xp)) + " XP")
}

// FormatLevel formats a sync log level with color
func FormatLevel(level string) string {
	label := fmt.Sprintf("%-5s", strings.ToUpper(level))
	if style, ok := levelStyles[level]; ok {
		return style.Render(label)
	}
	return label
}

// FormatDifficulty formats a task difficulty
func FormatDifficulty(d models.Difficulty) string {
	if d == "" {
		d = models.DifficultyMedium
	}
	style, ok := difficultyStyles[d]
	if !ok {
		return fmt.Sprintf("[%s]", d)
	}
	return style.Render(fmt.Sprintf("[%s]", d))
}

// FormatTaskShort formats a task on one line
// e.g., "✓ a1b2c3d4  [hard]  Write report  9-12  50 XP"
func FormatTaskShort(task models.Task) string {
	mark := "○"
	if task.Completed {
		mark = successStyle.Render("✓")
	}
	parts := []string{mark, titleStyle.Render(ShortID(task.ID)), FormatDifficulty(task.Difficulty), task.Title}
	if task.TimeBlock != nil && *task.TimeBlock != "" {
		parts = append(parts, subtleStyle.Render(*task.TimeBlock))
	}
	if task.BaseXP > 0 {
		parts = append(parts, subtleStyle.Render(fmt.Sprintf("%d XP", task.BaseXP)))
	}
	return strings.Join(parts, "  ")
}

// ShortID shortens a UUID to its first 8 characters
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// FormatRecordLine formats a cached record: collection/key, size, age and
// a dirty marker for unpushed changes.
func FormatRecordLine(collection, key string, size int, updatedAt time.Time, dirty bool) string {
	id := collection
	if key != "" {
		id += "/" + key
	}
	line := fmt.Sprintf("%-32s %8s  %s", id, FormatBytes(size), subtleStyle.Render(FormatTimeAgo(updatedAt)))
	if dirty {
		line += "  " + dirtyStyle.Render("● unpushed")
	}
	return line
}

// FormatLogLine formats one sync log entry
// e.g., "12:04:05 INFO  push     pushed  id=settings"
func FormatLogLine(at time.Time, level, channel, message, meta, errText string) string {
	var sb strings.Builder
	sb.WriteString(subtleStyle.Render(at.Local().Format("15:04:05")))
	sb.WriteString(" ")
	sb.WriteString(FormatLevel(level))
	sb.WriteString(" ")
	sb.WriteString(fmt.Sprintf("%-8s ", channel))
	sb.WriteString(message)
	if meta != "" {
		sb.WriteString("  ")
		sb.WriteString(subtleStyle.Render(meta))
	}
	if errText != "" {
		sb.WriteString("  ")
		sb.WriteString(errorStyle.Render(errText))
	}
	return sb.String()
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nRETRY QUEUE:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentLines indents each line by the specified number of spaces
func IndentLines(lines []string, spaces int) []string {
	indent := strings.Repeat(" ", spaces)
	result := make([]string, len(lines))
	for i, line := range lines {
		result[i] = indent + line
	}
	return result
}

// BulletList formats items as a bulleted list with optional indentation
func BulletList(items []string, indent int) []string {
	prefix := strings.Repeat(" ", indent)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = prefix + "- " + item
	}
	return result
}

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = 80
	}
	if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width > 0 {
		return width
	}
	if cols := os.Getenv("COLUMNS"); cols != "" {
		if parsed, err := strconv.Atoi(cols); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// IsTerminal reports whether stdout is an interactive terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

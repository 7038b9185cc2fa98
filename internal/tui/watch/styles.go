package watch

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	// Base colors
	primaryColor = lipgloss.Color("212")
	mutedColor   = lipgloss.Color("241")
	successColor = lipgloss.Color("42")
	warningColor = lipgloss.Color("214")
	errorColor   = lipgloss.Color("196")

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	panelTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("237")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	titleStyle     = lipgloss.NewStyle().Bold(true).Foreground(primaryColor)
	subtleStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	helpStyle      = lipgloss.NewStyle().Foreground(mutedColor)
	timestampStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	keyStyle       = lipgloss.NewStyle().Bold(true)
	okStyle        = lipgloss.NewStyle().Foreground(successColor)
	pendingStyle   = lipgloss.NewStyle().Foreground(warningColor)
	errStyle       = lipgloss.NewStyle().Foreground(errorColor)
	removedStyle   = lipgloss.NewStyle().Foreground(errorColor).Italic(true)

	// Collection badges, by merge family
	collectionStyles = map[string]lipgloss.Style{
		"gameState":      lipgloss.NewStyle().Foreground(lipgloss.Color("141")).Bold(true),
		"completedInbox": lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		"dailyData":      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"tokenUsage":     lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		"settings":       lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
)

// formatCollection renders a collection name with its badge color
func formatCollection(name string) string {
	style, ok := collectionStyles[name]
	if !ok {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("250")).Render(name)
	}
	return style.Render(name)
}

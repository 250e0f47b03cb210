package color

import "github.com/charmbracelet/lipgloss"

// Initialize sets the background the adaptive styles render against.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)
}

var (
	PassedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#006400", Dark: "#90EE90"})
	FailedStyle  = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#B22222", Dark: "#FF6B6B"})
	ErrorStyle   = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#8B008B", Dark: "#FF79C6"}).Bold(true)
	SkippedStyle = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#666666", Dark: "#999999"})

	TitleStyle = lipgloss.NewStyle().Bold(true)
	DimStyle   = lipgloss.NewStyle().Faint(true)
)

package cli

import (
	"github.com/charmbracelet/lipgloss"
)

// Theme holds the color scheme for conversation output.
type Theme struct {
	Status   lipgloss.Color
	Success  lipgloss.Color
	Error    lipgloss.Color
	Hint     lipgloss.Color
	Customer lipgloss.Color
	Agent    lipgloss.Color
	Bot      lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:   lipgloss.Color("#5FAFD7"), // light blue
	Success:  lipgloss.Color("#00D787"), // green
	Error:    lipgloss.Color("#FF005F"), // red
	Hint:     lipgloss.Color("#6C6C6C"), // dim gray
	Customer: lipgloss.Color("#FFD75F"), // yellow
	Agent:    lipgloss.Color("#AF87FF"), // purple
	Bot:      lipgloss.Color("#87D7D7"), // teal
}

// plainTheme renders without any styling, for pipes and log files.
var plainTheme = Theme{}

// Style functions for dynamic theming
func (t Theme) style(c lipgloss.Color) lipgloss.Style {
	if c == "" {
		return lipgloss.NewStyle()
	}
	return lipgloss.NewStyle().Foreground(c)
}

func (t Theme) statusStyle() lipgloss.Style {
	return t.style(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return t.style(t.Success).Bold(t.Success != "")
}

func (t Theme) errorStyle() lipgloss.Style {
	return t.style(t.Error).Bold(t.Error != "")
}

func (t Theme) hintStyle() lipgloss.Style {
	return t.style(t.Hint).Italic(t.Hint != "")
}

func (t Theme) senderStyle(sender string) lipgloss.Style {
	switch sender {
	case "user":
		return t.style(t.Customer).Bold(t.Customer != "")
	case "staff":
		return t.style(t.Agent).Bold(t.Agent != "")
	default:
		return t.style(t.Bot)
	}
}

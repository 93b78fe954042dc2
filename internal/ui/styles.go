// Package ui provides terminal styling and output helpers for the trak CLI.
package ui

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Palette
var (
	ColorPass   = lipgloss.Color("42")  // green
	ColorWarn   = lipgloss.Color("214") // orange
	ColorFail   = lipgloss.Color("196") // red
	ColorAccent = lipgloss.Color("39")  // blue
	ColorMuted  = lipgloss.Color("245") // grey
)

var (
	passStyle   = lipgloss.NewStyle().Foreground(ColorPass)
	warnStyle   = lipgloss.NewStyle().Foreground(ColorWarn)
	failStyle   = lipgloss.NewStyle().Foreground(ColorFail)
	accentStyle = lipgloss.NewStyle().Foreground(ColorAccent)
	mutedStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

func render(style lipgloss.Style, s string) string {
	if !ShouldUseColor() {
		return s
	}
	return style.Render(s)
}

// RenderPass styles s as a success marker.
func RenderPass(s string) string { return render(passStyle, s) }

// RenderWarn styles s as a warning marker.
func RenderWarn(s string) string { return render(warnStyle, s) }

// RenderFail styles s as an error marker.
func RenderFail(s string) string { return render(failStyle, s) }

// RenderAccent styles s as an informational marker.
func RenderAccent(s string) string { return render(accentStyle, s) }

// RenderMuted styles s as secondary detail.
func RenderMuted(s string) string { return render(mutedStyle, s) }

// RenderBold styles s bold.
func RenderBold(s string) string { return render(boldStyle, s) }

// HasDarkBackground reports the terminal background, defaulting to dark when
// unknown. Used only to pick between the two palettes.
func HasDarkBackground() bool {
	return termenv.HasDarkBackground()
}

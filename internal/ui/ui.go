// Package ui holds the terminal styles shared by docsync commands.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	labelStyle  = lipgloss.NewStyle().Bold(true).Width(14)
)

// RenderAccent styles s as a headline accent.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderWarn styles s as a warning.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderError styles s as an error.
func RenderError(s string) string { return errorStyle.Render(s) }

// RenderOK styles s as a success marker.
func RenderOK(s string) string { return okStyle.Render(s) }

// RenderDim styles s as de-emphasized detail text.
func RenderDim(s string) string { return dimStyle.Render(s) }

// RenderLabel styles s as a fixed-width field label.
func RenderLabel(s string) string { return labelStyle.Render(s) }

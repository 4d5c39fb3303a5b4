package main

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary   = lipgloss.Color("39")
	colorSecondary = lipgloss.Color("86")
	colorSuccess   = lipgloss.Color("42")
	colorWarning   = lipgloss.Color("220")
	colorError     = lipgloss.Color("196")
	colorDim       = lipgloss.Color("241")

	systemStyle = lipgloss.NewStyle().
			Foreground(colorDim).
			Italic(true)

	userStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	assistantStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorSecondary)

	toolStyle = lipgloss.NewStyle().
			Foreground(colorWarning)

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorError)

	successStyle = lipgloss.NewStyle().
			Foreground(colorSuccess)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorDim)
)

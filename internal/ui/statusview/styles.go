// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package statusview

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// COLORS
// =============================================================================

var (
	colorPurple  = lipgloss.AdaptiveColor{Light: "#7C3AED", Dark: "#A78BFA"}
	colorCyan    = lipgloss.AdaptiveColor{Light: "#0891B2", Dark: "#22D3EE"}
	colorEmerald = lipgloss.AdaptiveColor{Light: "#059669", Dark: "#34D399"}
	colorRose    = lipgloss.AdaptiveColor{Light: "#E11D48", Dark: "#FB7185"}
	colorAmber   = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#FBBF24"}
	colorMuted   = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#6C7086"}
	colorText    = lipgloss.AdaptiveColor{Light: "#1F2937", Dark: "#CDD6F4"}
)

// =============================================================================
// STYLES
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)

	onlineBadge = lipgloss.NewStyle().Bold(true).Foreground(colorEmerald)

	offlineBadge = lipgloss.NewStyle().Bold(true).Foreground(colorRose)

	queueStyle = lipgloss.NewStyle().Foreground(colorAmber)

	errorStyle = lipgloss.NewStyle().Foreground(colorRose)

	mutedStyle = lipgloss.NewStyle().Foreground(colorMuted)

	userStyle = lipgloss.NewStyle().Bold(true).Foreground(colorCyan)

	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPurple)

	bodyStyle = lipgloss.NewStyle().Foreground(colorText)

	activeStyle = lipgloss.NewStyle().Bold(true).Foreground(colorText)
)

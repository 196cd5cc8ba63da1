// Package output provides styled terminal output helpers (success, error,
// warning, outbox record formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/marcus/offsync/internal/mutation"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	methodStyles = map[mutation.Method]lipgloss.Style{
		mutation.MethodPost:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		mutation.MethodPut:    lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		mutation.MethodPatch:  lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		mutation.MethodDelete: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

const defaultWidth = 80

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
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
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

// TerminalWidth returns the current terminal width or a fallback when unavailable.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = defaultWidth
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

// FormatMethod formats an HTTP method with color
func FormatMethod(m mutation.Method) string {
	label := fmt.Sprintf("%-6s", m)
	if style, ok := methodStyles[m]; ok {
		return style.Render(label)
	}
	return label
}

// FormatRecordShort formats a queued record on one line:
// "#12 POST   /notes add_record (3m ago)".
func FormatRecordShort(rec *mutation.Record) string {
	return fmt.Sprintf("%s %s %s %s %s",
		titleStyle.Render(fmt.Sprintf("#%d", rec.ID)),
		FormatMethod(rec.Method),
		rec.Endpoint,
		rec.Action,
		subtleStyle.Render("("+FormatTimeAgo(rec.CreatedAt)+")"),
	)
}

// FormatRecordLong formats a queued record with its key and a payload
// preview cut to width.
func FormatRecordLong(rec *mutation.Record, width int) string {
	var sb strings.Builder
	sb.WriteString(FormatRecordShort(rec))
	sb.WriteString("\n")
	sb.WriteString(subtleStyle.Render("  key: " + rec.IdempotencyKey))
	sb.WriteString("\n")
	sb.WriteString("  payload: " + Truncate(string(rec.Payload), width-11))
	if len(rec.Metadata) > 0 {
		sb.WriteString("\n")
		sb.WriteString(subtleStyle.Render("  metadata: " + Truncate(string(rec.Metadata), width-12)))
	}
	return sb.String()
}

// Truncate collapses whitespace and shortens s to at most n runes,
// marking the cut with "...". n <= 0 disables the limit.
func Truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	switch {
	case n <= 0 || len(r) <= n:
		return s
	case n <= 3:
		return string(r[:n])
	default:
		return string(r[:n-3]) + "..."
	}
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	diff := time.Since(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1m ago"
		}
		return fmt.Sprintf("%dm ago", mins)
	case diff < 24*time.Hour:
		hours := int(diff.Hours())
		if hours == 1 {
			return "1h ago"
		}
		return fmt.Sprintf("%dh ago", hours)
	case diff < 7*24*time.Hour:
		days := int(diff.Hours() / 24)
		if days == 1 {
			return "1d ago"
		}
		return fmt.Sprintf("%dd ago", days)
	default:
		return t.Format("2006-01-02")
	}
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nPENDING:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

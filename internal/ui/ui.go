// Package ui formats terminal output for the handtoken CLI. Styles apply
// only when the stream is a terminal and NO_COLOR is unset.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

var writer io.Writer = os.Stderr

// SetWriter redirects messages printed by Warn and Error. Nil restores
// stderr.
func SetWriter(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	writer = w
}

var (
	stdoutColor = detectColor(os.Stdout)
	stderrColor = detectColor(os.Stderr)
)

func detectColor(f *os.File) bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// SetColorEnabled forces styling on or off for both streams.
func SetColorEnabled(enabled bool) {
	stdoutColor = enabled
	stderrColor = enabled
}

func style(on bool, code, s string) string {
	if !on {
		return s
	}
	return "\033[" + code + "m" + s + "\033[0m"
}

func Bold(s string) string { return style(stdoutColor, "1", s) }
func Dim(s string) string { return style(stdoutColor, "2", s) }
func Red(s string) string { return style(stdoutColor, "31", s) }
func Green(s string) string { return style(stdoutColor, "32", s) }
func Yellow(s string) string { return style(stdoutColor, "33", s) }

// OKTag and FailTag mark a line as passed or failed.
func OKTag() string { return Green("✓") }
func FailTag() string { return Red("✗") }

// Result colors a signing log result: green for success, dim while a
// request is still pending, yellow when the operator or the clock stopped
// it, red for everything else.
func Result(result string) string {
	switch result {
	case "success":
		return Green(result)
	case "pending":
		return Dim(result)
	case "cancelled", "pin-timeout":
		return Yellow(result)
	default:
		return Red(result)
	}
}

// Section prints a bold title with a thin underline.
func Section(title string) {
	fmt.Println(Bold(title))
	fmt.Println(Dim(strings.Repeat("─", len([]rune(title)))))
}

// Warn prints a warning for the user.
func Warn(msg string) {
	fmt.Fprintf(writer, "%s %s\n", style(stderrColor, "33", "Warning:"), msg)
}

func Warnf(format string, args ...any) { Warn(fmt.Sprintf(format, args...)) }

// Error prints an error for the user.
func Error(msg string) {
	fmt.Fprintf(writer, "%s %s\n", style(stderrColor, "31", "Error:"), msg)
}

package flows

import (
	"fmt"
	"io"
	"os"
	"strings"

	"flowtest/internal/color"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/mattn/go-runewidth"
)

// maxOutputWidth bounds each line of step output in verbose mode.
const maxOutputWidth = 160

// safeIcon pads icon so wide glyphs do not swallow the next character.
func safeIcon(icon string) string {
	if runewidth.StringWidth(icon) >= 2 {
		return icon + "  "
	}
	return icon + " "
}

func resultIcon(r Result) string {
	switch r {
	case ResultPassed:
		return "✅"
	case ResultFailed:
		return "❌"
	case ResultSkipped:
		return "⏭️"
	case ResultError:
		return "💥"
	default:
		return "❓"
	}
}

func resultStyle(r Result) lipgloss.Style {
	switch r {
	case ResultPassed:
		return color.PassedStyle
	case ResultFailed:
		return color.FailedStyle
	case ResultError:
		return color.ErrorStyle
	default:
		return color.SkippedStyle
	}
}

// ConsoleReporter prints progress for humans.
type ConsoleReporter struct {
	w       io.Writer
	verbose bool
}

// NewConsoleReporter writes to w, or stdout when w is nil.
func NewConsoleReporter(w io.Writer, verbose bool) *ConsoleReporter {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleReporter{w: w, verbose: verbose}
}

func (r *ConsoleReporter) ReportStart(flows []Flow, opts RunOptions) {
	fmt.Fprintf(r.w, "%s\n", color.TitleStyle.Render(fmt.Sprintf("%sRunning %d flows", safeIcon("🧪"), len(flows))))
	if r.verbose {
		if len(opts.Names) > 0 {
			fmt.Fprintf(r.w, "   • Names: %s\n", strings.Join(opts.Names, ", "))
		}
		if len(opts.Tags) > 0 {
			fmt.Fprintf(r.w, "   • Tags: %s\n", strings.Join(opts.Tags, ", "))
		}
		fmt.Fprintf(r.w, "   • Fail fast: %t\n", opts.FailFast)
		if opts.ReportPath != "" {
			fmt.Fprintf(r.w, "   • Report path: %s\n", opts.ReportPath)
		}
	}
	fmt.Fprintln(r.w)
}

func (r *ConsoleReporter) ReportFlowStart(f Flow) {
	if !r.verbose {
		fmt.Fprintf(r.w, "%s%s... ", safeIcon("🎯"), f.Name)
		return
	}
	fmt.Fprintf(r.w, "%s%s\n", safeIcon("🎯"), color.TitleStyle.Render(f.Name))
	if f.Description != "" {
		fmt.Fprintf(r.w, "   %s\n", color.DimStyle.Render(f.Description))
	}
	if len(f.Dependencies) > 0 {
		fmt.Fprintf(r.w, "   Dependencies: %s\n", strings.Join(f.Dependencies, ", "))
	}
}

func (r *ConsoleReporter) ReportStepResult(s StepResult) {
	if !r.verbose {
		return
	}
	fmt.Fprintf(r.w, "   %s%s %s (%v)\n", safeIcon(resultIcon(s.Result)), s.Step.Action(), s.Step.Name, s.Duration)
	if s.Error != "" {
		fmt.Fprintf(r.w, "     %s\n", resultStyle(s.Result).Render(s.Error))
	}
	if s.Output != "" {
		for _, line := range strings.Split(s.Output, "\n") {
			fmt.Fprintf(r.w, "     %s\n", color.DimStyle.Render(runewidth.Truncate(line, maxOutputWidth, "…")))
		}
	}
}

func (r *ConsoleReporter) ReportFlowResult(f FlowResult) {
	style := resultStyle(f.Result)
	if r.verbose {
		fmt.Fprintf(r.w, "%s%s (%v)\n", safeIcon(resultIcon(f.Result)), style.Render(string(f.Result)), f.Duration)
	} else {
		fmt.Fprintf(r.w, "%s(%v)\n", safeIcon(resultIcon(f.Result)), f.Duration)
	}
	if f.Error != "" {
		fmt.Fprintf(r.w, "   %s\n", style.Render(f.Error))
	}
	if r.verbose {
		fmt.Fprintln(r.w)
	}
}

func (r *ConsoleReporter) ReportSuiteResult(s SuiteResult) {
	fmt.Fprintf(r.w, "\n%s\n", color.TitleStyle.Render(safeIcon("🏁")+"Run complete"))
	fmt.Fprintf(r.w, "⏱️  Duration: %v\n", s.Duration)
	fmt.Fprintf(r.w, "   %s\n", color.PassedStyle.Render(fmt.Sprintf("Passed: %d", s.Passed)))
	if s.Failed > 0 {
		fmt.Fprintf(r.w, "   %s\n", color.FailedStyle.Render(fmt.Sprintf("Failed: %d", s.Failed)))
	}
	if s.Errors > 0 {
		fmt.Fprintf(r.w, "   %s\n", color.ErrorStyle.Render(fmt.Sprintf("Errors: %d", s.Errors)))
	}
	if s.Skipped > 0 {
		fmt.Fprintf(r.w, "   %s\n", color.SkippedStyle.Render(fmt.Sprintf("Skipped: %d", s.Skipped)))
	}
	fmt.Fprintf(r.w, "   Total: %s\n", humanize.Comma(int64(s.Total)))

	if s.OK() {
		fmt.Fprintf(r.w, "\n%s\n", color.PassedStyle.Render(safeIcon("🎉")+"All flows passed"))
	} else {
		fmt.Fprintf(r.w, "\n%s\n", color.FailedStyle.Render(safeIcon("💔")+"Some flows failed"))
	}
}

// QuietReporter only prints failures and a one-line summary.
type QuietReporter struct {
	w io.Writer
}

// NewQuietReporter writes to w. A nil w discards everything.
func NewQuietReporter(w io.Writer) *QuietReporter {
	if w == nil {
		w = io.Discard
	}
	return &QuietReporter{w: w}
}

func (r *QuietReporter) ReportStart([]Flow, RunOptions) {}
func (r *QuietReporter) ReportFlowStart(Flow)           {}
func (r *QuietReporter) ReportStepResult(StepResult)    {}

func (r *QuietReporter) ReportFlowResult(f FlowResult) {
	if f.Result == ResultFailed || f.Result == ResultError {
		fmt.Fprintf(r.w, "%s%s: %s\n", safeIcon(resultIcon(f.Result)), f.Flow.Name, f.Error)
	}
}

func (r *QuietReporter) ReportSuiteResult(s SuiteResult) {
	if s.OK() {
		fmt.Fprintf(r.w, "All %d flows passed\n", s.Passed)
		return
	}
	fmt.Fprintf(r.w, "%d/%d flows failed\n", s.Failed+s.Errors, s.Total)
}

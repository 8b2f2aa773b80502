package printer

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/probe"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/replay"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
	"golang.org/x/term"
)

// ColorScheme color scheme
type ColorScheme struct {
	Pass           *color.Color
	Fail           *color.Color
	Skip           *color.Color
	Layer          *color.Color
	Separator      *color.Color
	Timestamp      *color.Color
	Muted          *color.Color
	Recommendation *color.Color
	DiffAdd        *color.Color
	DiffRemove     *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		Pass:           color.New(color.FgGreen, color.Bold),
		Fail:           color.New(color.FgRed, color.Bold),
		Skip:           color.New(color.FgHiBlack, color.Bold),
		Layer:          color.New(color.FgCyan, color.Bold),
		Separator:      color.New(color.FgYellow, color.Bold),
		Timestamp:      color.New(color.FgHiBlack),
		Muted:          color.New(color.FgHiBlack),
		Recommendation: color.New(color.FgHiYellow, color.Bold),
		DiffAdd:        color.New(color.FgGreen),
		DiffRemove:     color.New(color.FgRed),
	}
}

// ConsolePrinter renders human readable output
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
	quiet       bool
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(log logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      log,
		out:         os.Stdout,
	}
}

// SetOutput replaces the destination writer
func (p *ConsolePrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("LAYERPROBE_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}
	f, ok := p.out.(*os.File)
	if !ok {
		return 80
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within the specified display width, preserving words
func (p *ConsolePrinter) wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{text}
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := runewidth.StringWidth(currentLine)
	for _, word := range words[1:] {
		wordWidth := runewidth.StringWidth(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

func (p *ConsolePrinter) separator(width int) {
	p.colorScheme.Separator.Fprintln(p.out, strings.Repeat("-", clampWidth(width)))
}

// printWrapped prints label followed by text wrapped under a hanging indent.
func (p *ConsolePrinter) printWrapped(label, text string, width int, c *color.Color) {
	indent := runewidth.StringWidth(label)
	available := width - indent
	if available < 20 {
		available = 20
	}
	lines := p.wrapText(text, available)
	fmt.Fprint(p.out, label)
	c.Fprintln(p.out, lines[0])
	pad := strings.Repeat(" ", indent)
	for _, line := range lines[1:] {
		fmt.Fprint(p.out, pad)
		c.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) verdict(r probe.LayerTestResult) string {
	switch {
	case r.Skipped:
		return p.colorScheme.Skip.Sprint("SKIP")
	case r.Passed:
		return p.colorScheme.Pass.Sprint("PASS")
	default:
		return p.colorScheme.Fail.Sprint("FAIL")
	}
}

func (p *ConsolePrinter) layerVerdict(s diagnostic.LayerStatus) string {
	switch s {
	case diagnostic.StatusPassed:
		return p.colorScheme.Pass.Sprint("PASSED")
	case diagnostic.StatusFailed:
		return p.colorScheme.Fail.Sprint("FAILED")
	default:
		return p.colorScheme.Skip.Sprint("SKIPPED")
	}
}

// PrintEvent prints live progress of a diagnostic run
func (p *ConsolePrinter) PrintEvent(ev diagnostic.Event) error {
	if p.quiet {
		return nil
	}
	switch ev.Type {
	case diagnostic.EventState:
		if ev.State.Phase == diagnostic.PhaseRunningLayer {
			p.colorScheme.Layer.Fprintf(p.out, "[%d] %s\n", ev.State.Index+1, ev.State.Layer)
		}
	case diagnostic.EventResult:
		if ev.Result == nil {
			return nil
		}
		r := *ev.Result
		fmt.Fprintf(p.out, "    %s %s ", p.verdict(r), runewidth.FillRight(r.TestName, 32))
		p.colorScheme.Timestamp.Fprintf(p.out, "%s\n", formatMs(r.DurationMs))
		if r.Failed() && r.Error != "" {
			p.colorScheme.Muted.Fprintf(p.out, "         %s\n", runewidth.Truncate(r.Error, p.getTerminalWidth()-9, "..."))
		}
	case diagnostic.EventLayer:
		if ev.Layer != nil && ev.Layer.Status == diagnostic.StatusSkipped && len(ev.Layer.Results) == 0 {
			p.colorScheme.Skip.Fprintf(p.out, "[-] %s skipped: %s\n", ev.Layer.Layer, ev.Layer.SkipReason)
		}
	}
	return nil
}

// PrintReport prints a diagnostic report
func (p *ConsolePrinter) PrintReport(r *diagnostic.DebugReport) error {
	if r == nil {
		return nil
	}
	width := p.getTerminalWidth()
	p.separator(width)
	p.colorScheme.Separator.Fprintf(p.out, "Diagnostic report %s\n", r.ID)
	fmt.Fprintf(p.out, "Environment: %s | Battery: %s\n", r.Environment, r.BatteryVersion)
	fmt.Fprint(p.out, "Started: ")
	p.colorScheme.Timestamp.Fprint(p.out, r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(p.out, " | Duration: %s\n", formatMs(r.DurationMs))
	p.separator(width)

	for _, l := range r.Layers {
		fmt.Fprintf(p.out, "%s %s", p.colorScheme.Layer.Sprint(runewidth.FillRight(string(l.Layer), 16)), p.layerVerdict(l.Status))
		fmt.Fprintf(p.out, "  %d passed, %d failed, %d skipped\n", l.Summary.Passed, l.Summary.Failed, l.Summary.Skipped)
		if l.SkipReason != "" {
			p.colorScheme.Muted.Fprintf(p.out, "    %s\n", l.SkipReason)
		}
		for _, res := range l.Results {
			if !res.Failed() {
				continue
			}
			p.printWrapped(fmt.Sprintf("    FAIL %s: ", res.TestName), res.Error, width, p.colorScheme.Fail)
		}
	}

	fmt.Fprintln(p.out)
	if r.FirstFailure != nil {
		fp := r.FirstFailure
		p.printWrapped("First failure: ", fmt.Sprintf("%s / %s: %s", fp.Layer, fp.TestName, fp.Error), width, p.colorScheme.Fail)
	}
	if r.Incomplete {
		p.printWrapped("Incomplete: ", r.IncompleteReason, width, p.colorScheme.Skip)
	}
	p.printWrapped("Recommendation: ", r.Recommendation, width, p.colorScheme.Recommendation)
	p.separator(width)
	return nil
}

// PrintMockReplay prints a mock replay of a call
func (p *ConsolePrinter) PrintMockReplay(r replay.CallReplayResult) error {
	width := p.getTerminalWidth()
	p.separator(width)
	if r.Mode == replay.ModeTool {
		p.colorScheme.Separator.Fprintf(p.out, "Live tool replay of call %s\n", r.CallID)
		fmt.Fprintf(p.out, "Invocations: %d | Drifted: %d | Duration: %s\n",
			len(r.Invocations), r.Drifted, formatMs(r.DurationMs))
	} else {
		p.colorScheme.Separator.Fprintf(p.out, "Mock replay of call %s\n", r.CallID)
		fmt.Fprintf(p.out, "Harness: %d captured action(s) | Invocations: %d | Drifted: %d | No mock match: %d | Duration: %s\n",
			len(r.HarnessKeys), len(r.Invocations), r.Drifted, r.NoMockMatch, formatMs(r.DurationMs))
	}
	p.separator(width)

	switch {
	case r.Empty && r.Mode == replay.ModeTool:
		p.colorScheme.Skip.Fprintln(p.out, "No captured observations for this call.")
	case r.Empty:
		p.colorScheme.Skip.Fprintln(p.out, "No captured middleware responses for this call; every lookup misses.")
	}
	for _, inv := range r.Invocations {
		mark := p.colorScheme.Pass.Sprint("SAME ")
		if inv.Drift {
			mark = p.colorScheme.Fail.Sprint("DRIFT")
		}
		fmt.Fprintf(p.out, "%s %s %s recorded=%s replayed=%s\n", mark,
			runewidth.FillRight(inv.Tool, 24), p.colorScheme.Muted.Sprint(inv.ObservationID),
			okText(inv.OriginalOK), okText(inv.Replay.OK))
		for _, line := range inv.Replay.Log {
			p.colorScheme.Muted.Fprintf(p.out, "      %s\n", runewidth.Truncate(line, width-6, "..."))
		}
		if !inv.Replay.OK && inv.Replay.Error != "" {
			p.printWrapped("      error: ", inv.Replay.Error, width, p.colorScheme.Fail)
		}
	}
	if len(r.SkippedTools) > 0 {
		p.colorScheme.Muted.Fprintf(p.out, "Skipped unknown tools: %s\n", strings.Join(r.SkippedTools, ", "))
	}
	if r.Error != "" {
		p.printWrapped("Error: ", r.Error, width, p.colorScheme.Fail)
	}
	p.separator(width)
	return nil
}

// PrintConversation prints a conversational replay
func (p *ConsolePrinter) PrintConversation(r replay.ConversationalReplayResult) error {
	width := p.getTerminalWidth()
	p.separator(width)
	p.colorScheme.Separator.Fprintf(p.out, "Conversation replay of call %s\n", r.CallID)
	fmt.Fprintf(p.out, "Session: %s | Turns: %d | Mismatches: %d | Duration: %s\n",
		r.SessionID, len(r.Turns), r.Mismatches, formatMs(r.DurationMs))
	p.separator(width)

	for _, t := range r.Turns {
		p.printWrapped(fmt.Sprintf("[%d] caller: ", t.Index+1), t.Utterance, width, p.colorScheme.Layer)
		if t.Error != "" {
			p.printWrapped("    error:  ", t.Error, width, p.colorScheme.Fail)
			continue
		}
		if t.OriginalReply != "" {
			p.printWrapped("    before: ", t.OriginalReply, width, p.colorScheme.Muted)
		}
		p.printWrapped("    now:    ", t.Reply, width, p.colorScheme.Pass)
	}

	if len(r.Comparison) > 0 {
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, "Tool calls by position:")
		for _, c := range r.Comparison {
			mark := p.colorScheme.Pass.Sprint("=")
			if !c.NameMatch {
				mark = p.colorScheme.Fail.Sprint("!")
			}
			fmt.Fprintf(p.out, "  %s %2d %s %s  similarity %.2f\n", mark, c.Index+1,
				runewidth.FillRight(invocationName(c.Original), 24), runewidth.FillRight(invocationName(c.Replayed), 24), c.InputSimilarity)
		}
	}
	if r.Error != "" {
		p.printWrapped("Error: ", r.Error, width, p.colorScheme.Fail)
	}
	p.separator(width)
	return nil
}

// PrintDirect prints a direct backend probe
func (p *ConsolePrinter) PrintDirect(r replay.DirectProbeResult) error {
	width := p.getTerminalWidth()
	p.separator(width)
	p.colorScheme.Separator.Fprintf(p.out, "Direct probe of observation %s\n", r.ObservationID)
	fmt.Fprintf(p.out, "Call: %s | Action: %s | Procedure: %s | Table: %s\n",
		orDash(r.CallID), orDash(r.Action), orDash(r.Procedure), r.TableVersion)
	p.separator(width)

	bottleneck := p.colorScheme.Recommendation
	if r.Bottleneck == replay.BottleneckInconclusive {
		bottleneck = p.colorScheme.Skip
	}
	fmt.Fprint(p.out, "Bottleneck: ")
	bottleneck.Fprintln(p.out, string(r.Bottleneck))
	p.printWrapped("Reason: ", r.Reason, width, p.colorScheme.Muted)
	p.printWrapped("Middleware: ", orDash(r.Original.Summary()), width, p.colorScheme.Muted)
	if r.Direct != nil {
		p.printWrapped("Backend:    ", orDash(r.Direct.Summary()), width, p.colorScheme.Muted)
	}
	for _, d := range r.Differences {
		fmt.Fprintf(p.out, "  * %s\n", d)
	}
	if r.Diff != "" {
		fmt.Fprintln(p.out)
		for _, line := range strings.Split(strings.TrimRight(r.Diff, "\n"), "\n") {
			switch {
			case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
				p.colorScheme.DiffAdd.Fprintln(p.out, line)
			case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
				p.colorScheme.DiffRemove.Fprintln(p.out, line)
			default:
				fmt.Fprintln(p.out, line)
			}
		}
	}
	p.separator(width)
	return nil
}

// PrintModes prints the supported modes
func (p *ConsolePrinter) PrintModes(modes []replay.Mode) error {
	width := p.getTerminalWidth()
	for _, m := range modes {
		live := "offline"
		if m.Live {
			live = "live"
		}
		head := fmt.Sprintf("%s %s ", runewidth.FillRight(m.Name, 14), runewidth.FillRight(m.Target+", "+live, 22))
		p.printWrapped(head, m.Description, width, p.colorScheme.Muted)
	}
	return nil
}

// PrintReports prints stored report summaries
func (p *ConsolePrinter) PrintReports(items []storage.ReportSummary, total int) error {
	if len(items) == 0 {
		p.colorScheme.Muted.Fprintln(p.out, "No stored reports.")
		return nil
	}
	for _, s := range items {
		status := p.colorScheme.Pass.Sprint(runewidth.FillRight(s.Status, 11))
		switch s.Status {
		case storage.StatusFailed:
			status = p.colorScheme.Fail.Sprint(runewidth.FillRight(s.Status, 11))
		case storage.StatusIncomplete:
			status = p.colorScheme.Skip.Sprint(runewidth.FillRight(s.Status, 11))
		}
		fmt.Fprintf(p.out, "%s %s %s %s", s.ID, status, runewidth.FillRight(s.Environment, 12), p.colorScheme.Timestamp.Sprint(humanize.Time(s.StartedAt)))
		if s.FailedLayer != "" {
			fmt.Fprintf(p.out, "  %s/%s", s.FailedLayer, s.FailedTest)
		}
		fmt.Fprintln(p.out)
	}
	p.colorScheme.Muted.Fprintf(p.out, "%s of %s report(s)\n", humanize.Comma(int64(len(items))), humanize.Comma(int64(total)))
	return nil
}

// PrintCalls prints recorded calls of the capture archive
func (p *ConsolePrinter) PrintCalls(calls []capture.CallSummary) error {
	if len(calls) == 0 {
		p.colorScheme.Muted.Fprintln(p.out, "No captured calls.")
		return nil
	}
	for _, c := range calls {
		errs := p.colorScheme.Muted.Sprint("0 tool errors")
		if c.ToolErrors > 0 {
			errs = p.colorScheme.Fail.Sprintf("%d tool error(s)", c.ToolErrors)
		}
		fmt.Fprintf(p.out, "%s %3d obs %3d turns  %s  %s\n", runewidth.FillRight(c.CallID, 38),
			c.Observations, c.Turns, errs, p.colorScheme.Timestamp.Sprint(humanize.Time(c.LastSeen)))
	}
	return nil
}

func formatMs(ms int64) string {
	return (time.Duration(ms) * time.Millisecond).String()
}

func okText(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func invocationName(inv *replay.ToolInvocation) string {
	if inv == nil {
		return "(none)"
	}
	return inv.Tool
}

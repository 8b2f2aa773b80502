package printer

import (
	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/replay"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
)

// Printer renders run output for the CLI.
type Printer interface {
	PrintEvent(diagnostic.Event) error
	PrintReport(*diagnostic.DebugReport) error
	PrintMockReplay(replay.CallReplayResult) error
	PrintConversation(replay.ConversationalReplayResult) error
	PrintDirect(replay.DirectProbeResult) error
	PrintModes([]replay.Mode) error
	PrintReports([]storage.ReportSummary, int) error
	PrintCalls([]capture.CallSummary) error
}

// New creates a Printer for the configured output mode.
func New(mode string, log logger.Logger, cfg *config.OutputConfig) Printer {
	if cfg == nil {
		cfg = &config.OutputConfig{}
	}
	if mode == "" {
		mode = cfg.Mode
	}
	switch mode {
	case "json":
		return NewJSONPrinter(log)
	default:
		p := NewConsolePrinter(log)
		p.quiet = cfg.Silence
		return p
	}
}

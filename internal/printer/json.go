package printer

import (
	"encoding/json"
	"io"
	"os"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/capture"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/diagnostic"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/replay"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/storage"
)

// JSONPrinter writes one JSON document per line
type JSONPrinter struct {
	encoder *json.Encoder
	logger  logger.Logger
	out     io.Writer
}

// NewJSONPrinter creates a JSON printer on stdout
func NewJSONPrinter(log logger.Logger) *JSONPrinter {
	p := &JSONPrinter{logger: log}
	p.SetOutput(os.Stdout)
	return p
}

// SetOutput replaces the destination writer
func (p *JSONPrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	p.out = w
	encoder := json.NewEncoder(w)
	encoder.SetEscapeHTML(false)
	p.encoder = encoder
}

type jsonEnvelope struct {
	Type  string      `json:"type"`
	Total *int        `json:"total,omitempty"`
	Data  interface{} `json:"data"`
}

func (p *JSONPrinter) emit(kind string, data interface{}) error {
	return p.emitEnvelope(jsonEnvelope{Type: kind, Data: data})
}

func (p *JSONPrinter) emitEnvelope(env jsonEnvelope) error {
	if err := p.encoder.Encode(env); err != nil {
		if p.logger != nil {
			p.logger.Error("Failed to encode JSON output", "type", env.Type, "error", err)
		}
		return err
	}
	return nil
}

// PrintEvent emits progress events of a diagnostic run.
func (p *JSONPrinter) PrintEvent(ev diagnostic.Event) error {
	// The final report is printed on its own.
	if ev.Type == diagnostic.EventReport {
		return nil
	}
	return p.emit("event", ev)
}

func (p *JSONPrinter) PrintReport(r *diagnostic.DebugReport) error {
	return p.emit("report", r)
}

func (p *JSONPrinter) PrintMockReplay(r replay.CallReplayResult) error {
	return p.emit("replay", r)
}

func (p *JSONPrinter) PrintConversation(r replay.ConversationalReplayResult) error {
	return p.emit("replay", r)
}

func (p *JSONPrinter) PrintDirect(r replay.DirectProbeResult) error {
	return p.emit("replay", r)
}

func (p *JSONPrinter) PrintModes(modes []replay.Mode) error {
	return p.emit("modes", modes)
}

func (p *JSONPrinter) PrintReports(items []storage.ReportSummary, total int) error {
	return p.emitEnvelope(jsonEnvelope{Type: "reports", Total: &total, Data: items})
}

func (p *JSONPrinter) PrintCalls(calls []capture.CallSummary) error {
	return p.emit("calls", calls)
}

package replay

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
)

// ProcedureTableVersion changes whenever a mapping is added or altered.
const ProcedureTableVersion = "2026.10.1"

// ParamMapping renames one middleware body field to a backend parameter.
type ParamMapping struct {
	From     string
	To       string
	Required bool
	// Date converts a middleware date (tools.SlotDateLayout) to the backend
	// timestamp layout.
	Date bool
}

// ProcedureMapping is the backend equivalent of one middleware action.
type ProcedureMapping struct {
	Action    string
	Procedure string
	Params    []ParamMapping
	Fixed     []protocol.Param
}

// BackendParams builds the procedure parameters from a middleware body. It
// returns the required fields that could not be reconstructed.
func (m ProcedureMapping) BackendParams(body map[string]any) ([]protocol.Param, []string) {
	params := append([]protocol.Param(nil), m.Fixed...)
	var missing []string
	for _, pm := range m.Params {
		raw, ok := body[pm.From]
		value := ""
		if ok && raw != nil {
			value = strings.TrimSpace(fmt.Sprint(raw))
		}
		if value == "" {
			if pm.Required {
				missing = append(missing, pm.From)
			}
			continue
		}
		if pm.Date {
			if t, err := time.Parse(tools.SlotDateLayout, value); err == nil {
				value = t.Format(protocol.BackendTimeLayout)
			}
		}
		params = append(params, protocol.Param{Name: pm.To, Value: value})
	}
	return params, missing
}

// ProcedureTable maps middleware actions to backend procedures. Write
// actions are deliberately absent: re-issuing them would create state.
type ProcedureTable struct {
	Version  string
	mappings map[string]ProcedureMapping
}

// NewProcedureTable builds a table from mappings.
func NewProcedureTable(version string, mappings ...ProcedureMapping) ProcedureTable {
	t := ProcedureTable{Version: version, mappings: make(map[string]ProcedureMapping, len(mappings))}
	for _, m := range mappings {
		t.mappings[m.Action] = m
	}
	return t
}

// DefaultProcedureTable returns the maintained action to procedure table.
func DefaultProcedureTable() ProcedureTable {
	slots := []ParamMapping{
		{From: "startDate", To: "startDate", Required: true, Date: true},
		{From: "endDate", To: "endDate", Required: true, Date: true},
		{From: "scheduleViewGUIDs", To: "schdvwGUIDs"},
	}
	return NewProcedureTable(ProcedureTableVersion,
		ProcedureMapping{
			Action:    tools.ActionLocations,
			Procedure: "GetLocations",
			Fixed:     []protocol.Param{{Name: "showDeleted", Value: "False"}},
		},
		ProcedureMapping{
			Action:    tools.ActionSlots,
			Procedure: "GetOnlineReservations",
			Params:    slots,
			Fixed:     []protocol.Param{{Name: "morning", Value: "True"}, {Name: "afternoon", Value: "True"}},
		},
		ProcedureMapping{
			Action:    tools.ActionGroupedSlots,
			Procedure: "GetOnlineReservations",
			Params:    slots,
			Fixed:     []protocol.Param{{Name: "morning", Value: "True"}, {Name: "afternoon", Value: "True"}},
		},
		ProcedureMapping{
			Action:    tools.ActionPatientByFilter,
			Procedure: "GetPortalPatientLookup",
			Params:    []ParamMapping{{From: "filter", To: "filter", Required: true}},
			Fixed:     []protocol.Param{{Name: "lookupByPatient", Value: "1"}},
		},
		ProcedureMapping{
			Action:    tools.ActionPatient,
			Procedure: "GetPatientInformation",
			Params:    []ParamMapping{{From: "patientGUID", To: "patguid", Required: true}},
		},
		ProcedureMapping{
			Action:    tools.ActionPatientAppts,
			Procedure: "GetAppointmentListByPatient",
			Params:    []ParamMapping{{From: "patientGUID", To: "patGUID", Required: true}},
		},
	)
}

// Lookup returns the mapping of action.
func (t ProcedureTable) Lookup(action string) (ProcedureMapping, bool) {
	m, ok := t.mappings[action]
	return m, ok
}

// Actions lists the mapped actions in sorted order.
func (t ProcedureTable) Actions() []string {
	out := make([]string, 0, len(t.mappings))
	for a := range t.mappings {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

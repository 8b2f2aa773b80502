package probe

import (
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/logger"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/protocol"
	"github.com/mdwoicke/dentix-ortho-sub015/internal/tools"
)

// BatteryVersion identifies the test case set; it is stamped on reports so
// results from different batteries are never compared blindly.
const BatteryVersion = "2026.10.1"

// KnownBadPatientID never resolves to a patient.
const KnownBadPatientID = "00000000-0000-0000-0000-000000000000"

// Settings shared by all probes.
type Settings struct {
	// SlotWindowDays bounds slot searches into the future.
	SlotWindowDays int
	// MessageDelay separates conversational turns.
	MessageDelay time.Duration
	// Now overrides the clock used to build date parameters.
	Now func() time.Time
}

func (s Settings) clock() func() time.Time {
	if s.Now != nil {
		return s.Now
	}
	return time.Now
}

func (s Settings) window() int {
	if s.SlotWindowDays > 0 {
		return s.SlotWindowDays
	}
	return 14
}

// NewBackendProbe builds the backend probe. backendPacer is shared with every
// other component that calls the backend.
func NewBackendProbe(caller protocol.Caller, backendPacer *protocol.Pacer, log logger.Logger, s Settings) *Probe {
	window := s.window()
	return &Probe{
		hop:    protocol.HopBackend,
		caller: caller,
		pacer:  backendPacer,
		logger: log,
		now:    s.clock(),
		battery: func(env config.EnvironmentConfig, now time.Time) []LayerTestCase {
			d := env.Defaults
			return []LayerTestCase{
				{
					Name:   "list locations",
					Action: "GetLocations",
					Params: []protocol.Param{{Name: "showDeleted", Value: "False"}},
					Expect: Expectation{ExpectSuccess: true, ExpectRecords: true, ExpectedFields: []string{"LocationGUID"}},
				},
				{
					Name:   "list providers",
					Action: "GetDoctors",
					Params: []protocol.Param{{Name: "locGUID", Value: d.LocationGUID}},
					Expect: Expectation{ExpectSuccess: true, ExpectRecords: true, ExpectedFields: []string{"ProviderGUID"}},
				},
				{
					Name:   "list appointment types",
					Action: "GetAppointmentTypes",
					Params: []protocol.Param{{Name: "showDeleted", Value: "False"}},
					Expect: Expectation{ExpectSuccess: true, ExpectRecords: true, ExpectedFields: []string{"AppointmentTypeGUID"}},
				},
				{
					Name:   "available slots in window",
					Action: "GetOnlineReservations",
					Params: []protocol.Param{
						{Name: "startDate", Value: now.Format(protocol.BackendTimeLayout)},
						{Name: "endDate", Value: now.AddDate(0, 0, window).Format(protocol.BackendTimeLayout)},
						{Name: "schdvwGUIDs", Value: d.ScheduleViewGUID},
						{Name: "morning", Value: "True"},
						{Name: "afternoon", Value: "True"},
					},
					Expect: Expectation{ExpectSuccess: true},
				},
				{
					Name:   "patient lookup by filter",
					Action: "GetPortalPatientLookup",
					Params: []protocol.Param{
						{Name: "filter", Value: d.PatientLastName},
						{Name: "lookupByPatient", Value: "1"},
					},
					Expect: Expectation{ExpectSuccess: true},
				},
				{
					Name:   "known-bad patient id",
					Action: "GetPatientInformation",
					Params: []protocol.Param{{Name: "patguid", Value: KnownBadPatientID}},
					Expect: Expectation{ExpectSuccess: false},
				},
			}
		},
	}
}

// NewMiddlewareProbe builds the middleware probe. Only read-only actions are
// exercised.
func NewMiddlewareProbe(caller protocol.Caller, log logger.Logger, s Settings) *Probe {
	window := s.window()
	return &Probe{
		hop:    protocol.HopMiddleware,
		caller: caller,
		logger: log,
		now:    s.clock(),
		battery: func(env config.EnvironmentConfig, now time.Time) []LayerTestCase {
			d := env.Defaults
			return []LayerTestCase{
				{
					Name:   "list locations",
					Action: tools.ActionLocations,
					Body:   map[string]any{},
					Expect: Expectation{ExpectSuccess: true, ExpectRecords: true},
				},
				{
					Name:   "available slots in window",
					Action: tools.ActionSlots,
					Body: map[string]any{
						"startDate":         now.Format(tools.SlotDateLayout),
						"endDate":           now.AddDate(0, 0, window).Format(tools.SlotDateLayout),
						"scheduleViewGUIDs": d.ScheduleViewGUID,
					},
					Expect: Expectation{ExpectSuccess: true},
				},
				{
					Name:   "patient lookup by filter",
					Action: tools.ActionPatientByFilter,
					Body:   map[string]any{"filter": d.PatientLastName, "locationGUID": d.LocationGUID},
					Expect: Expectation{ExpectSuccess: true},
				},
				{
					Name:   "known-bad patient id",
					Action: tools.ActionPatient,
					Body:   map[string]any{"patientGUID": KnownBadPatientID},
					Expect: Expectation{ExpectSuccess: false},
				},
			}
		},
	}
}

// NewOrchestrationProbe builds the orchestration probe. Every case runs in
// its own session.
func NewOrchestrationProbe(caller protocol.Caller, log logger.Logger, s Settings) *Probe {
	return &Probe{
		hop:    protocol.HopOrchestration,
		caller: caller,
		logger: log,
		now:    s.clock(),
		battery: func(config.EnvironmentConfig, time.Time) []LayerTestCase {
			return []LayerTestCase{
				{
					Name:    "greeting",
					Message: "Hello",
					Expect:  Expectation{ExpectSuccess: true, ExpectReply: true},
				},
				{
					Name:    "date question",
					Message: "What is today's date?",
					Expect:  Expectation{ExpectSuccess: true, ExpectReply: true, ExpectTools: []string{tools.ToolDateTime}},
				},
			}
		},
	}
}

// NewConversationalProbe builds the conversational probe: a scripted
// conversation in one fresh session with human cadence between turns.
func NewConversationalProbe(caller protocol.Caller, log logger.Logger, s Settings) *Probe {
	return &Probe{
		hop:     protocol.HopConversational,
		caller:  caller,
		logger:  log,
		now:     s.clock(),
		cadence: s.MessageDelay,
		battery: func(config.EnvironmentConfig, time.Time) []LayerTestCase {
			return []LayerTestCase{
				{
					Name:    "turn 1: opening",
					Message: "Hi, I'd like to schedule an orthodontic consultation for my child.",
					Expect:  Expectation{ExpectSuccess: true, ExpectReply: true},
				},
				{
					Name:    "turn 2: locations",
					Message: "Which office locations do you have?",
					Expect:  Expectation{ExpectSuccess: true, ExpectReply: true},
				},
				{
					Name:    "turn 3: closing",
					Message: "Thank you, that's all for now.",
					Expect:  Expectation{ExpectSuccess: true, ExpectReply: true},
				},
			}
		},
	}
}

// All returns the four probes in dependency order.
func All(caller protocol.Caller, backendPacer *protocol.Pacer, log logger.Logger, s Settings) []*Probe {
	return []*Probe{
		NewBackendProbe(caller, backendPacer, log, s),
		NewMiddlewareProbe(caller, log, s),
		NewOrchestrationProbe(caller, log, s),
		NewConversationalProbe(caller, log, s),
	}
}

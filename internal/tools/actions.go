package tools

import (
	"fmt"
	"strings"
	"time"
)

// Middleware actions reached by the tools.
const (
	ActionLocations       = "getLocations"
	ActionSlots           = "getApptSlots"
	ActionGroupedSlots    = "getGroupedApptSlots"
	ActionPatientByFilter = "getPatientByFilter"
	ActionPatient         = "getPatient"
	ActionPatientAppts    = "getPatientAppts"
	ActionCreatePatient   = "createPatient"
	ActionCreateAppt      = "createAppt"
	ActionCancelAppt      = "cancelAppt"
	ActionEscalation      = "handleEscalation"
)

// SlotDateLayout is the date format the middleware expects for slot windows.
const SlotDateLayout = "01/02/2006"

// ActionCall is the middleware request a tool invocation translates into.
type ActionCall struct {
	Action   string
	Body     map[string]any
	Required []string
}

func (c ActionCall) missingFields() []string {
	var missing []string
	for _, field := range c.Required {
		v, ok := c.Body[field]
		if !ok || v == nil || strings.TrimSpace(fmt.Sprint(v)) == "" {
			missing = append(missing, field)
		}
	}
	return missing
}

// ResolveAction maps a tool name and its arguments to a middleware action.
// The "action" argument selects the operation; remaining arguments become
// the request body.
func ResolveAction(tool string, args map[string]any, now time.Time, windowDays int) (ActionCall, error) {
	op := strings.ToLower(strings.TrimSpace(fmt.Sprint(args["action"])))
	if args["action"] == nil {
		op = ""
	}
	body := make(map[string]any, len(args))
	for k, v := range args {
		if k != "action" {
			body[k] = v
		}
	}

	switch tool {
	case ToolPatient:
		switch op {
		case "lookup", "search", "find", "filter":
			if _, ok := body["filter"]; !ok {
				for _, alias := range []string{"lastName", "phoneNumber", "name"} {
					if v, ok := body[alias]; ok {
						body["filter"] = v
						break
					}
				}
			}
			return ActionCall{Action: ActionPatientByFilter, Body: body, Required: []string{"filter"}}, nil
		case "get", "info", "details":
			return ActionCall{Action: ActionPatient, Body: body, Required: []string{"patientGUID"}}, nil
		case "appointments", "appts":
			return ActionCall{Action: ActionPatientAppts, Body: body, Required: []string{"patientGUID"}}, nil
		case "create", "new":
			return ActionCall{Action: ActionCreatePatient, Body: body, Required: []string{"firstName", "lastName"}}, nil
		case "clinic_info", "locations":
			return ActionCall{Action: ActionLocations, Body: body}, nil
		}
	case ToolSchedule:
		switch op {
		case "slots", "availability":
			applySlotWindow(body, now, windowDays)
			return ActionCall{Action: ActionSlots, Body: body}, nil
		case "grouped_slots":
			applySlotWindow(body, now, windowDays)
			return ActionCall{Action: ActionGroupedSlots, Body: body}, nil
		case "book", "book_child", "create":
			return ActionCall{Action: ActionCreateAppt, Body: body, Required: []string{"patientGUID", "startTime"}}, nil
		case "cancel":
			return ActionCall{Action: ActionCancelAppt, Body: body, Required: []string{"appointmentGUID"}}, nil
		}
	case ToolEscalation:
		return ActionCall{Action: ActionEscalation, Body: body}, nil
	default:
		return ActionCall{}, fmt.Errorf("%w: tool %q", ErrUnknownAction, tool)
	}
	return ActionCall{}, fmt.Errorf("%w: %s action %q", ErrUnknownAction, tool, op)
}

func applySlotWindow(body map[string]any, now time.Time, windowDays int) {
	if windowDays <= 0 {
		windowDays = 14
	}
	if _, ok := body["startDate"]; !ok {
		body["startDate"] = now.Format(SlotDateLayout)
	}
	if _, ok := body["endDate"]; !ok {
		body["endDate"] = now.AddDate(0, 0, windowDays).Format(SlotDateLayout)
	}
}

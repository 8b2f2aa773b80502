package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
)

// recordKeys are probed, in order, for the array of records in a middleware
// response before falling back to any array of objects.
var recordKeys = []string{
	"data", "records", "results", "items",
	"slots", "patients", "locations", "providers", "doctors",
	"appointmentTypes", "appointments",
}

// MiddlewareURL joins the base URL and an action path segment.
func MiddlewareURL(base, action string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(action, "/")
}

func (c *Client) callMiddleware(ctx context.Context, cfg config.MiddlewareConfig, req Request, timeout time.Duration) Outcome {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return failure(ClassConfiguration, "middleware base URL is not configured")
	}
	if strings.TrimSpace(req.Action) == "" {
		return failure(ClassConfiguration, "middleware action is empty")
	}

	payload := req.Body
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return failure(ClassProtocol, fmt.Sprintf("encode request body: %v", err))
	}

	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if cfg.AuthValue != "" {
		headers[cfg.AuthHeader] = cfg.AuthValue
	}

	res, err := c.do(ctx, MiddlewareURL(cfg.BaseURL, req.Action), body, headers, req.CorrelationID)
	if err != nil {
		out := transportFailure(ctx, err, timeout)
		out.RawRequest = string(body)
		return out
	}
	out := DecodeMiddlewareResponse(res.status, res.contentType, res.body)
	out.RawRequest = string(body)
	return out
}

// DecodeMiddlewareResponse normalizes a middleware HTTP response. Statuses of
// 400 and above are failures regardless of the body.
func DecodeMiddlewareResponse(status int, contentType string, body []byte) Outcome {
	res := httpResult{status: status, contentType: contentType, body: body}
	if status >= 400 {
		out := httpFailure(res)
		if json.Valid(body) {
			out.Payload = append(json.RawMessage(nil), body...)
		}
		return out
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Outcome{OK: true, Status: status, Records: []Record{}}
	}

	var value any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		out := failure(ClassProtocol, fmt.Sprintf("response is not JSON: %s", summarizeBody(contentType, body)))
		out.Status = status
		return out
	}

	out := Outcome{
		OK:      true,
		Status:  status,
		Payload: append(json.RawMessage(nil), trimmed...),
		Records: liftRecords(value, 0),
	}
	if out.Records == nil {
		out.Records = liftEntity(value)
	}
	if obj, ok := value.(map[string]any); ok {
		out.Message = firstString(obj, "message", "msg")
		if success, ok := obj["success"].(bool); ok && !success {
			out.OK = false
			out.Class = ClassProtocol
			out.Error = firstString(obj, "error", "message", "msg")
			if out.Error == "" {
				out.Error = "middleware reported success=false"
			}
		} else if errText := firstString(obj, "error"); errText != "" && len(out.Records) == 0 {
			out.OK = false
			out.Class = ClassProtocol
			out.Error = errText
		}
	}
	return out
}

// liftRecords finds the first array of objects in a decoded body.
func liftRecords(value any, depth int) []Record {
	if depth > 3 {
		return nil
	}
	switch v := value.(type) {
	case []any:
		return objectsToRecords(v)
	case map[string]any:
		for _, key := range recordKeys {
			if inner, ok := v[key]; ok {
				if recs := liftRecords(inner, depth+1); recs != nil {
					return recs
				}
			}
		}
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if arr, ok := v[k].([]any); ok {
				if recs := objectsToRecords(arr); recs != nil {
					return recs
				}
			}
		}
		for _, k := range keys {
			if inner, ok := v[k].(map[string]any); ok {
				if recs := liftRecords(inner, depth+1); recs != nil {
					return recs
				}
			}
		}
	}
	return nil
}

// envelopeKeys carry status rather than entity data.
var envelopeKeys = map[string]bool{
	"success": true, "ok": true, "status": true, "code": true,
	"message": true, "msg": true, "error": true, "errors": true,
	"count": true, "total": true, "meta": true,
}

// liftEntity handles single-entity responses such as
// {"success":true,"patient":{...}}: the first nested object, or else the
// top-level object minus its envelope keys, becomes one record. It never
// returns nil.
func liftEntity(value any) []Record {
	obj, ok := value.(map[string]any)
	if !ok {
		return []Record{}
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		if !envelopeKeys[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return []Record{}
	}
	sort.Strings(keys)
	for _, k := range keys {
		if inner, ok := obj[k].(map[string]any); ok && len(inner) > 0 {
			rec := make(Record, len(inner))
			for ik, iv := range inner {
				rec[ik] = stringify(iv)
			}
			return []Record{rec}
		}
	}
	rec := make(Record, len(keys))
	for _, k := range keys {
		rec[k] = stringify(obj[k])
	}
	return []Record{rec}
}

// objectsToRecords returns nil unless arr is empty or holds only objects.
func objectsToRecords(arr []any) []Record {
	records := make([]Record, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil
		}
		rec := make(Record, len(obj))
		for k, v := range obj {
			rec[k] = stringify(v)
		}
		records = append(records, rec)
	}
	return records
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

func firstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		switch v := obj[key].(type) {
		case string:
			if strings.TrimSpace(v) != "" {
				return v
			}
		case map[string]any:
			if msg := firstString(v, "message", "description"); msg != "" {
				return msg
			}
		}
	}
	return ""
}

package protocol

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mdwoicke/dentix-ortho-sub015/internal/config"
)

// BackendNamespace is the XML namespace of the backend envelope.
const BackendNamespace = "http://schemas.practica.ws/cloud9/partners/"

// BackendStatusSuccess is the ResponseStatus value of a healthy response.
const BackendStatusSuccess = "Success"

// BackendTimeLayout formats date parameters of backend procedures. The time
// of day is fixed at 7:00:00 AM.
const BackendTimeLayout = "01/02/2006 7:00:00 AM"

type getDataRequest struct {
	XMLName    xml.Name
	Xmlns      string     `xml:"xmlns,attr,omitempty"`
	ClientID   string     `xml:"ClientID"`
	UserName   string     `xml:"UserName"`
	Password   string     `xml:"Password"`
	Procedure  string     `xml:"Procedure"`
	Parameters []xmlParam `xml:"Parameters>Parameter"`
}

type xmlParam struct {
	Name  string `xml:"Name"`
	Value string `xml:"Value"`
}

type getDataResponse struct {
	XMLName        xml.Name
	Xmlns          string      `xml:"xmlns,attr,omitempty"`
	ResponseStatus string      `xml:"ResponseStatus"`
	ErrorMessage   string      `xml:"ErrorMessage,omitempty"`
	ResultMessage  string      `xml:"ResultMessage,omitempty"`
	Records        []xmlRecord `xml:"Records>Record"`
}

type xmlRecord struct {
	Fields []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// BackendResponse is the decoded backend response envelope.
type BackendResponse struct {
	Status  string   `json:"responseStatus"`
	Message string   `json:"message,omitempty"`
	Records []Record `json:"records"`
}

// Success reports whether the envelope carries the success status.
func (r BackendResponse) Success() bool {
	return strings.EqualFold(strings.TrimSpace(r.Status), BackendStatusSuccess)
}

// EncodeBackendRequest serializes one procedure call into the request envelope.
func EncodeBackendRequest(creds config.BackendConfig, procedure string, params []Param) ([]byte, error) {
	env := getDataRequest{
		XMLName:   xml.Name{Local: "GetDataRequest"},
		Xmlns:     BackendNamespace,
		ClientID:  creds.ClientID,
		UserName:  creds.UserName,
		Password:  creds.Password,
		Procedure: procedure,
	}
	for _, p := range params {
		env.Parameters = append(env.Parameters, xmlParam(p))
	}
	body, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode request envelope: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// DecodeBackendRequest extracts the procedure and parameters of an envelope.
func DecodeBackendRequest(body []byte) (string, []Param, error) {
	var env getDataRequest
	if err := xml.Unmarshal(body, &env); err != nil {
		return "", nil, fmt.Errorf("decode request envelope: %w", err)
	}
	params := make([]Param, 0, len(env.Parameters))
	for _, p := range env.Parameters {
		params = append(params, Param(p))
	}
	return env.Procedure, params, nil
}

// EncodeBackendResponse builds a response envelope. Record fields are written
// in sorted order.
func EncodeBackendResponse(resp BackendResponse) ([]byte, error) {
	env := getDataResponse{
		XMLName:        xml.Name{Local: "GetDataResponse"},
		Xmlns:          BackendNamespace,
		ResponseStatus: resp.Status,
	}
	if resp.Success() {
		env.ResultMessage = resp.Message
	} else {
		env.ErrorMessage = resp.Message
	}
	for _, rec := range resp.Records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var xr xmlRecord
		for _, k := range keys {
			xr.Fields = append(xr.Fields, xmlField{XMLName: xml.Name{Local: k}, Value: rec[k]})
		}
		env.Records = append(env.Records, xr)
	}
	body, err := xml.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode response envelope: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}

// DecodeBackendResponse parses a response envelope. An absent or empty
// Records element yields an empty, non-nil record set.
func DecodeBackendResponse(body []byte) (BackendResponse, error) {
	var env getDataResponse
	if err := xml.Unmarshal(body, &env); err != nil {
		return BackendResponse{}, fmt.Errorf("decode response envelope: %w", err)
	}
	resp := BackendResponse{
		Status:  strings.TrimSpace(env.ResponseStatus),
		Message: strings.TrimSpace(env.ErrorMessage),
		Records: make([]Record, 0, len(env.Records)),
	}
	if resp.Message == "" {
		resp.Message = strings.TrimSpace(env.ResultMessage)
	}
	for _, xr := range env.Records {
		rec := make(Record, len(xr.Fields))
		for _, f := range xr.Fields {
			rec[f.XMLName.Local] = strings.TrimSpace(f.Value)
		}
		resp.Records = append(resp.Records, rec)
	}
	return resp, nil
}

func (c *Client) callBackend(ctx context.Context, cfg config.BackendConfig, req Request, timeout time.Duration) Outcome {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return failure(ClassConfiguration, "backend endpoint is not configured")
	}
	if strings.TrimSpace(req.Action) == "" {
		return failure(ClassConfiguration, "backend procedure name is empty")
	}

	body, err := EncodeBackendRequest(cfg, req.Action, req.Params)
	if err != nil {
		return failure(ClassProtocol, err.Error())
	}
	redacted := cfg
	if redacted.Password != "" {
		redacted.Password = "***"
	}
	rawRequest, _ := EncodeBackendRequest(redacted, req.Action, req.Params)

	res, err := c.do(ctx, cfg.Endpoint, body, map[string]string{
		"Content-Type": "application/xml; charset=utf-8",
		"Accept":       "application/xml",
	}, req.CorrelationID)
	if err != nil {
		out := transportFailure(ctx, err, timeout)
		out.RawRequest = string(rawRequest)
		return out
	}

	out := decodeBackendOutcome(res)
	out.RawRequest = string(rawRequest)
	return out
}

func decodeBackendOutcome(res httpResult) Outcome {
	decoded, decodeErr := DecodeBackendResponse(res.body)
	if res.status >= 400 {
		out := httpFailure(res)
		if decodeErr == nil && decoded.Message != "" {
			out.Error = fmt.Sprintf("HTTP %d: %s", res.status, decoded.Message)
			out.ProtocolStatus = decoded.Status
		}
		return out
	}
	if decodeErr != nil {
		out := failure(ClassProtocol, fmt.Sprintf("malformed response envelope: %s", summarizeBody(res.contentType, res.body)))
		out.Status = res.status
		return out
	}

	payload, _ := json.Marshal(decoded)
	out := Outcome{
		Status:         res.status,
		ProtocolStatus: decoded.Status,
		Payload:        payload,
		Records:        decoded.Records,
		Message:        decoded.Message,
	}
	switch {
	case decoded.Status == "":
		out.Class = ClassProtocol
		out.Error = "response envelope has no ResponseStatus"
	case !decoded.Success():
		out.Class = ClassProtocol
		out.Error = decoded.Message
		if out.Error == "" {
			out.Error = "ResponseStatus " + decoded.Status
		}
	default:
		out.OK = true
	}
	return out
}

// NormalizeRecords renders records as sorted "key=value" lines, one record per
// block, for textual comparison.
func NormalizeRecords(records []Record) []string {
	lines := make([]string, 0, len(records)*4)
	for i, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		lines = append(lines, fmt.Sprintf("record %d", i+1))
		for _, k := range keys {
			lines = append(lines, fmt.Sprintf("  %s=%s", k, rec[k]))
		}
	}
	return lines
}

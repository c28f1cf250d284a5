package exchange

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// resultEntry is the per-item reply shape: {"success", "id", "key", "message", "error", "code", "data"}.
type resultEntry struct {
	Success *bool           `json:"success"`
	ID      json.RawMessage `json:"id"`
	Key     string          `json:"key"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Code    int             `json:"code"`
	Data    json.RawMessage `json:"data"`
}

type resultEnvelope struct {
	resultEntry
	Results []resultEntry `json:"results"`
}

// ParseResults decodes the common reply shapes:
//   - an array of entries correlated by position, or by "key" when present;
//   - an object with a "results" array, handled the same way;
//   - a single object, applied to every item of the request.
//
// Items without an entry are absent from the result.
func ParseResults(raw *RawResponse, req *Request) (map[string]ItemResult, error) {
	body := bytes.TrimSpace(raw.Body)
	out := make(map[string]ItemResult, len(req.Correlation))

	if len(body) == 0 {
		entry := resultEntry{}
		for _, id := range req.Correlation {
			out[id] = entry.result(raw.StatusCode)
		}
		return out, nil
	}

	var entries []resultEntry
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, &TransportError{StatusCode: raw.StatusCode, Err: fmt.Errorf("decode results: %w", err)}
		}
	case '{':
		var env resultEnvelope
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, &TransportError{StatusCode: raw.StatusCode, Err: fmt.Errorf("decode result: %w", err)}
		}
		if env.Results == nil {
			for _, id := range req.Correlation {
				out[id] = env.resultEntry.result(raw.StatusCode)
			}
			return out, nil
		}
		entries = env.Results
	default:
		return nil, &TransportError{StatusCode: raw.StatusCode, Err: fmt.Errorf("unexpected reply: %s", snippet(body))}
	}

	for i, entry := range entries {
		id, ok := req.Keys[entry.Key]
		if !ok || entry.Key == "" {
			if i >= len(req.Correlation) {
				continue
			}
			id = req.Correlation[i]
		}
		out[id] = entry.result(raw.StatusCode)
	}
	return out, nil
}

func (e resultEntry) result(status int) ItemResult {
	ok := status < http.StatusBadRequest && e.Error == ""
	if e.Success != nil {
		ok = *e.Success
	}
	code := e.Code
	if code == 0 {
		code = status
	}
	msg := e.Message
	if msg == "" {
		msg = e.Error
	}
	return ItemResult{
		OK:         ok,
		ExternalID: rawID(e.ID),
		Message:    msg,
		HTTPCode:   code,
		Data:       e.Data,
	}
}

// rawID accepts numeric and string ids.
func rawID(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return s
}

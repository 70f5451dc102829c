package automation

import (
	"encoding/json"
	"fmt"
)

// request is sent to the browser's automation endpoint.
type request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// frame is anything the browser sends back. Responses carry ID, events carry
// Event.
type frame struct {
	ID     string          `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Event  string          `json:"event,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

const (
	eventQR            = "qr"
	eventAuthenticated = "authenticated"
	eventAuthFailure   = "auth_failure"
	eventReady         = "ready"
	eventDisconnected  = "disconnected"
	eventMessage       = "message"
)

// RemoteError is an error string returned by the automation endpoint.
type RemoteError struct {
	Method string
	Msg    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("automation %s: %s", e.Method, e.Msg)
}

type stateResult struct {
	State string `json:"state"`
}

type sendMessageParams struct {
	ChatID string `json:"chatId"`
	Body   string `json:"body"`
}

type sendMediaParams struct {
	ChatID   string `json:"chatId"`
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename"`
	Caption  string `json:"caption,omitempty"`
}

// textPayload decodes event data that is either a bare JSON string or an
// object with the given field.
func textPayload(data json.RawMessage, field string) string {
	if len(data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err == nil {
		if v, ok := m[field].(string); ok {
			return v
		}
	}
	return ""
}

package graph

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Error is an error response from the Graph API.
type Error struct {
	Status      int    `json:"-"` // HTTP status
	Code        int    `json:"code"`
	Subcode     int    `json:"error_subcode"`
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsTransient bool   `json:"is_transient"`
	FBTraceID   string `json:"fbtrace_id"`
}

func (e *Error) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("graph api error %d (code %d, subcode %d): %s", e.Status, e.Code, e.Subcode, e.Message)
	}
	return fmt.Sprintf("graph api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

func parseError(status int, body []byte) *Error {
	var envelope struct {
		Error *Error `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = status
		return envelope.Error
	}

	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return &Error{Status: status, Message: msg}
}

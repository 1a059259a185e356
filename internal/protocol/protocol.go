// Package protocol defines the wire format for all client-server
// communication.  Each message is a single top-level JSON object with no
// delimiter between objects; framing is done by brace matching (see
// internal/frame).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// TimeLayout is the timestamp layout used in every envelope.  Second
// resolution, local time.
const TimeLayout = "2006-01-02 15:04:05"

// SenderServer is the sender name on all server-generated envelopes.
const SenderServer = "server"

// ResponseKind tags a server→client envelope.
type ResponseKind string

const (
	KindMessage ResponseKind = "message"
	KindInfo    ResponseKind = "info"
	KindError   ResponseKind = "error"
	KindHistory ResponseKind = "history"
	KindControl ResponseKind = "control"
)

// Request is the client→server wire format.  Content and Password stay raw
// so the dispatcher can validate their JSON type per command (a string
// command with a number content is an argument error, not a framing error).
type Request struct {
	Request  string          `json:"request"`
	Content  json.RawMessage `json:"content"`
	Password json.RawMessage `json:"password,omitempty"`
}

// ContentString returns Content decoded as a JSON string.
func (r *Request) ContentString() (string, error) {
	var s string
	if err := json.Unmarshal(r.Content, &s); err != nil {
		return "", fmt.Errorf("content must be a string")
	}
	return s, nil
}

// ContentIsNull reports whether Content is absent or JSON null.
func (r *Request) ContentIsNull() bool {
	return rawIsNull(r.Content)
}

// PasswordString returns the optional password field.  Absent and null both
// decode to the empty string; any other non-string value is an error.
func (r *Request) PasswordString() (string, error) {
	if rawIsNull(r.Password) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(r.Password, &s); err != nil {
		return "", fmt.Errorf("password must be a string")
	}
	return s, nil
}

func rawIsNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// Envelope is the server→client wire format and the unit of history
// storage.  Content is a string for message/info/error, a []Envelope for
// history, and a *SessionInfo for control.
type Envelope struct {
	Timestamp string       `json:"timestamp"`
	Sender    string       `json:"sender"`
	Response  ResponseKind `json:"response"`
	Content   any          `json:"content"`
}

// Encode returns the JSON bytes for e, with no trailing delimiter.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

func newEnvelope(sender string, kind ResponseKind, content any) Envelope {
	return Envelope{
		Timestamp: time.Now().Format(TimeLayout),
		Sender:    sender,
		Response:  kind,
		Content:   content,
	}
}

// NewMessage builds a chat message envelope from a user.
func NewMessage(sender, text string) Envelope {
	return newEnvelope(sender, KindMessage, text)
}

// NewInfo builds a server notice.
func NewInfo(text string) Envelope {
	return newEnvelope(SenderServer, KindInfo, text)
}

// NewError builds a server error notice.
func NewError(text string) Envelope {
	return newEnvelope(SenderServer, KindError, text)
}

// NewHistory wraps a room's full message log for replay.  A nil log is sent
// as an empty list, never as JSON null.
func NewHistory(log []Envelope) Envelope {
	if log == nil {
		log = []Envelope{}
	}
	return newEnvelope(SenderServer, KindHistory, log)
}

// NewControl wraps session metadata.  info carries all-null fields when the
// requesting connection is unauthenticated.
func NewControl(info SessionInfo) Envelope {
	return newEnvelope(SenderServer, KindControl, info)
}

// SessionInfo is the content object of a control envelope.  Every field is
// null for an unauthenticated connection.
type SessionInfo struct {
	Name      *string  `json:"name"`
	Names     []string `json:"names"`
	Chatroom  *string  `json:"chatroom"`
	LoginTime *string  `json:"login_time"`
	Elapsed   *int     `json:"elapsed"`
	Admin     *bool    `json:"admin"`
}

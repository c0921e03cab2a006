package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// RoleAssistant is the role attached to every server reply.
const RoleAssistant = "assistant"

// ToolConnectWallet marks the fixed reply sent when a request carries no
// wallet address. It is not an executable tool.
const ToolConnectWallet = "connect_wallet"

// ConnectWalletMessage is the content of the connect-wallet reply.
const ConnectWalletMessage = "Please connect your wallet first."

// Envelope is the single shape every chat turn is normalised into. An empty
// Tool is encoded as JSON null and means Response is plain model content.
type Envelope struct {
	Tool     string
	Response json.RawMessage
	ID       string
	Role     string
}

type wireEnvelope struct {
	Content json.RawMessage `json:"content"`
	Tool    *string         `json:"tool"`
	ID      string          `json:"id,omitempty"`
	Role    string          `json:"role,omitempty"`
}

// Text builds an envelope whose response is a plain string.
func Text(tool, content string) Envelope {
	raw, _ := json.Marshal(content)
	return Envelope{Tool: tool, Response: raw}
}

// Value builds an envelope whose response is the JSON encoding of v.
func Value(tool string, v any) (Envelope, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return Envelope{}, errors.New("response is not valid JSON")
		}
		return Envelope{Tool: tool, Response: raw}, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode response: %w", err)
	}
	return Envelope{Tool: tool, Response: raw}, nil
}

// IsPlain reports whether the envelope carries model content only.
func (e Envelope) IsPlain() bool { return e.Tool == "" }

// ResponseText returns the response as text: JSON strings are unquoted, any
// other value is returned in its JSON form.
func (e Envelope) ResponseText() string {
	trimmed := bytes.TrimSpace(e.Response)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if trimmed[0] == '"' && json.Unmarshal(trimmed, &s) == nil {
		return s
	}
	return string(trimmed)
}

// MarshalJSON encodes the envelope as {"content":...,"tool":...}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{Content: e.Response, ID: e.ID, Role: e.Role}
	if len(bytes.TrimSpace(w.Content)) == 0 {
		w.Content = json.RawMessage("null")
	}
	if e.Tool != "" {
		tool := e.Tool
		w.Tool = &tool
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form produced by MarshalJSON.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{Response: w.Content, ID: w.ID, Role: w.Role}
	if w.Tool != nil {
		e.Tool = *w.Tool
	}
	return nil
}

// Encode returns the textual form stored as a transcript message content.
func (e Envelope) Encode() string {
	raw, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(raw)
}

// Parse decodes a transcript message content into an envelope. Content must be
// a JSON object; anything else is reported as an error.
func Parse(text string) (Envelope, error) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Envelope{}, errors.New("content is not a JSON object")
	}
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Reply is the HTTP body returned by the chat endpoint.
type Reply struct {
	Messages Envelope `json:"messages"`
}

// ErrorBody is the HTTP body returned when a chat turn fails.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

package envelope

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Payload statuses written back into the container that holds inputdata.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// inputdata may sit directly in the tool result or one level down under
// "content" when the tool wraps its own reply.
var containerPaths = []string{"content", "content.content"}

// Payload is an unsigned EVM transaction produced by a transaction-class tool.
type Payload struct {
	ChainID   string            `json:"chain_id"`
	From      string            `json:"from,omitempty"`
	To        string            `json:"to"`
	Value     string            `json:"value"`
	Data      string            `json:"data,omitempty"`
	Function  string            `json:"function,omitempty"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// Validate checks the fields a wallet needs to sign the payload.
func (p Payload) Validate() error {
	if p.To == "" {
		return errors.New("payload is missing a recipient")
	}
	if p.ChainID == "" {
		return errors.New("payload is missing a chain id")
	}
	return nil
}

// Transaction is the located inputdata of an envelope.
type Transaction struct {
	// Container is the gjson path of the object holding inputdata.
	Container string
	Raw       json.RawMessage
}

// Decode parses the raw inputdata into a Payload.
func (t Transaction) Decode() (Payload, error) {
	var p Payload
	if err := json.Unmarshal(t.Raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode inputdata: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Payload{}, err
	}
	return p, nil
}

// Extract looks for a non-null inputdata in an encoded envelope. It never
// modifies doc.
func Extract(doc []byte) (Transaction, bool) {
	if !gjson.ValidBytes(doc) {
		return Transaction{}, false
	}
	for _, path := range containerPaths {
		res := gjson.GetBytes(doc, path+".inputdata")
		if res.Exists() && res.Type != gjson.Null {
			return Transaction{Container: path, Raw: json.RawMessage(res.Raw)}, true
		}
	}
	return Transaction{}, false
}

// ExtractEnvelope is Extract for a decoded envelope.
func ExtractEnvelope(env Envelope) (Transaction, bool) {
	raw, err := json.Marshal(env)
	if err != nil {
		return Transaction{}, false
	}
	return Extract(raw)
}

// HasInputData reports whether a raw tool result carries inputdata at its top
// level or under a nested "content" object.
func HasInputData(result []byte) bool {
	if !gjson.ValidBytes(result) {
		return false
	}
	for _, path := range []string{"inputdata", "content.inputdata"} {
		res := gjson.GetBytes(result, path)
		if res.Exists() && res.Type != gjson.Null {
			return true
		}
	}
	return false
}

// WithoutInputData returns a copy of a raw tool result with inputdata removed
// from the top level and the nested "content" object.
func WithoutInputData(result []byte) ([]byte, error) {
	out := make([]byte, len(result))
	copy(out, result)
	for _, path := range []string{"inputdata", "content.inputdata"} {
		if !gjson.GetBytes(out, path).Exists() {
			continue
		}
		var err error
		if out, err = sjson.DeleteBytes(out, path); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StatusUpdate describes the fields written next to inputdata.
type StatusUpdate struct {
	Status string
	Hash   string
	Error  string
}

// WithStatus returns a copy of doc with the status fields set on the object
// holding inputdata. doc itself is left untouched.
func WithStatus(doc []byte, update StatusUpdate) ([]byte, error) {
	tx, ok := Extract(doc)
	if !ok {
		return nil, errors.New("envelope does not carry inputdata")
	}
	out := make([]byte, len(doc))
	copy(out, doc)

	var err error
	out, err = sjson.SetBytes(out, tx.Container+".status", update.Status)
	if err != nil {
		return nil, err
	}
	if update.Hash != "" {
		if out, err = sjson.SetBytes(out, tx.Container+".hash", update.Hash); err != nil {
			return nil, err
		}
	}
	if update.Error != "" {
		if out, err = sjson.SetBytes(out, tx.Container+".error", update.Error); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// StatusOf returns the status recorded next to inputdata, if any.
func StatusOf(doc []byte) string {
	tx, ok := Extract(doc)
	if !ok {
		return ""
	}
	return gjson.GetBytes(doc, tx.Container+".status").String()
}

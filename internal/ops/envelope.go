package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Kind string

const (
	KindStrokeMove Kind = "stroke_move"
	KindStrokeEnd  Kind = "stroke_end"
	KindTextUpdate Kind = "text_update"
	KindClear      Kind = "clear"
)

// The stroke type stored for finished strokes
const strokeOperationType = "stroke"

// Envelope is the edit message a client sends to a room. Only the fields
// the router acts on are decoded; the raw bytes are what gets broadcast.
type Envelope struct {
	Type     Kind            `json:"type"`
	RoomID   string          `json:"roomId"`
	UserID   json.RawMessage `json:"userId"`
	Name     string          `json:"name"`
	StrokeID json.RawMessage `json:"strokeId"`
	Payload  json.RawMessage `json:"payload"`
}

func parseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return env, nil
}

// ParseStrokeID accepts a JSON number or a string holding an integer.
func ParseStrokeID(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing stroke id")
	}

	var value any
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	if err := decoder.Decode(&value); err != nil {
		return 0, fmt.Errorf("invalid stroke id %s: %w", raw, err)
	}

	switch v := value.(type) {
	case json.Number:
		return numberToID(v.String())
	case string:
		return numberToID(strings.TrimSpace(v))
	default:
		return 0, fmt.Errorf("invalid stroke id %s", raw)
	}
}

// numberToID takes integral values, including ones written as 5.0.
func numberToID(s string) (int64, error) {
	if id, err := strconv.ParseInt(s, 10, 64); err == nil {
		return id, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return 0, fmt.Errorf("invalid stroke id %q", s)
	}
	return int64(f), nil
}

// erasedStrokeIDs extracts payload.erasedStrokes. Entries that are not
// stroke ids are returned separately so the caller can skip them.
func erasedStrokeIDs(payload json.RawMessage) (ids []int64, skipped []string) {
	if len(payload) == 0 {
		return nil, nil
	}

	var body struct {
		ErasedStrokes []json.RawMessage `json:"erasedStrokes"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, []string{string(payload)}
	}

	for _, entry := range body.ErasedStrokes {
		id, err := ParseStrokeID(entry)
		if err != nil {
			skipped = append(skipped, string(entry))
			continue
		}
		ids = append(ids, id)
	}
	return ids, skipped
}

// userIDString normalises userId, which clients send as either a number or
// a string.
func userIDString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

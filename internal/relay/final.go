package relay

import (
	"encoding/json"

	"github.com/kaptinlin/jsonrepair"

	"github.com/teamrelay/internal/store"
)

// FinalKind distinguishes the two shapes a terminal message can take.
// Decided once at parse time; everything downstream consumes the union
// uniformly.
type FinalKind int

const (
	// FinalOK is a structurally valid final payload.
	FinalOK FinalKind = iota

	// FinalFallback wraps a payload that could not be decoded even after
	// repair; the raw text becomes the message body. The turn is never
	// dropped.
	FinalFallback
)

// FinalMessage is the terminal payload that closes a conversation turn.
type FinalMessage struct {
	Kind        FinalKind
	Message     string
	Suggestions *store.Suggestions
}

// finalPayload is the wire shape on the client input subject.
type finalPayload struct {
	Message          string             `json:"message"`
	SmartSuggestions *store.Suggestions `json:"smart_suggestions,omitempty"`
}

// ParseFinal decodes a final-message payload. Workers emit JSON, but a
// model-generated payload occasionally arrives slightly broken; those are
// run through jsonrepair before giving up and falling back to raw text.
func ParseFinal(data []byte) FinalMessage {
	if m, ok := decodeFinal(data); ok {
		return m
	}

	if repaired, err := jsonrepair.JSONRepair(string(data)); err == nil {
		if m, ok := decodeFinal([]byte(repaired)); ok {
			return m
		}
	}

	return FinalMessage{Kind: FinalFallback, Message: string(data)}
}

func decodeFinal(data []byte) (FinalMessage, bool) {
	var payload finalPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return FinalMessage{}, false
	}
	if payload.Message == "" && payload.SmartSuggestions == nil {
		// Valid JSON but not the final-message shape (e.g. a bare string
		// or an unrelated object).
		return FinalMessage{}, false
	}
	return FinalMessage{
		Kind:        FinalOK,
		Message:     payload.Message,
		Suggestions: payload.SmartSuggestions,
	}, true
}

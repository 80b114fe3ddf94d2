package notify

import (
	"bytes"
	"encoding/json"
	"strings"

	"stockyard/internal/constants"
)

// Signal is one push from the backend. Payload is whatever followed the tag,
// usually the id of the user or listing involved.
type Signal struct {
	Tag     string
	Payload string
}

var knownTags = map[string]struct{}{
	constants.SignalNewMessage:   {},
	constants.SignalNotification: {},
}

type envelope struct {
	T string          `json:"t"`
	D json.RawMessage `json:"d"`
}

// ParseSignal accepts "TAG:payload" text frames and {"t":"TAG","d":...}
// envelopes. Unknown tags and malformed frames report ok=false.
func ParseSignal(raw []byte) (Signal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Signal{}, false
	}

	var sig Signal
	if raw[0] == '{' {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return Signal{}, false
		}
		sig.Tag = env.T
		sig.Payload = envelopePayload(env.D)
	} else {
		tag, payload, _ := strings.Cut(string(raw), ":")
		sig.Tag = tag
		sig.Payload = strings.TrimSpace(payload)
	}

	sig.Tag = strings.ToUpper(strings.TrimSpace(sig.Tag))
	if _, ok := knownTags[sig.Tag]; !ok {
		return Signal{}, false
	}
	return sig, true
}

func envelopePayload(d json.RawMessage) string {
	if len(d) == 0 || string(d) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(d, &s); err == nil {
		return s
	}
	return string(d)
}

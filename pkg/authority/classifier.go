// Package authority classifies artifact producers as authoritative or
// preview-grade.
//
// An authoritative artifact comes from a canonical vendor pipeline (the
// telephony provider's recording, the transcription vendor's final pass) and
// is legally defensible. Preview artifacts are real-time assist output
// (browser speech recognition, live agent hints) and must never be displayed
// as evidence-grade. Unknown producers fail closed to preview.
package authority

import "strings"

// Verdict is the derived classification for a producer string. It is never
// persisted; callers recompute it on demand.
type Verdict struct {
	IsAuthoritative bool   `json:"is_authoritative"`
	ProducerLabel   string `json:"producer_label"`
}

// authoritativeProducers maps known canonical producer identifiers to their
// display labels. Keys are compared case-insensitively.
var authoritativeProducers = map[string]string{
	"signalwire":    "SignalWire",
	"signalwire-v1": "SignalWire",
	"assemblyai":    "AssemblyAI",
	"assemblyai-v1": "AssemblyAI",
	"system-cpid":   "SignalWire",
	"system-ai":     "AssemblyAI",
}

// previewProducers are known assist-only sources. They get a friendly label
// but are never authoritative.
var previewProducers = map[string]string{
	"webspeech":       "Browser Preview",
	"browser-preview": "Browser Preview",
	"preview":         "Preview",
	"agent-assist":    "Agent Assist",
	"human":           "Manual Entry",
}

// Classify maps a producer identity to a verdict. Ambiguous provenance must
// never display as legally defensible, so anything outside the canonical
// table is non-authoritative with its raw label passed through.
func Classify(producer string) Verdict {
	key := strings.ToLower(strings.TrimSpace(producer))

	if label, ok := authoritativeProducers[key]; ok {
		return Verdict{IsAuthoritative: true, ProducerLabel: label}
	}
	if label, ok := previewProducers[key]; ok {
		return Verdict{IsAuthoritative: false, ProducerLabel: label}
	}
	return Verdict{IsAuthoritative: false, ProducerLabel: producer}
}

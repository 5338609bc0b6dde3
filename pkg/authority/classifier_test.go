package authority

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		producer      string
		authoritative bool
		label         string
	}{
		{"signalwire", true, "SignalWire"},
		{"SignalWire", true, "SignalWire"},
		{"assemblyai-v1", true, "AssemblyAI"},
		{"system-ai", true, "AssemblyAI"},
		{"webspeech", false, "Browser Preview"},
		{"agent-assist", false, "Agent Assist"},
		{"human", false, "Manual Entry"},
		{"", false, ""},
		{"some-new-vendor", false, "some-new-vendor"},
	}

	for _, tc := range cases {
		v := Classify(tc.producer)
		assert.Equal(t, tc.authoritative, v.IsAuthoritative, "producer %q", tc.producer)
		assert.Equal(t, tc.label, v.ProducerLabel, "producer %q", tc.producer)
	}
}

func TestClassify_UnknownFailsClosed(t *testing.T) {
	v := Classify("totally-unknown-system")
	assert.False(t, v.IsAuthoritative, "unknown provenance must never be authoritative")
	assert.Equal(t, "totally-unknown-system", v.ProducerLabel)
}

package contracts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModulations_RequiredTypes(t *testing.T) {
	m := Modulations{Record: true, Translate: true, TranslateFrom: "en", TranslateTo: "es"}
	assert.Equal(t, []ArtifactType{ArtifactRecording, ArtifactTranslation}, m.RequiredTypes())

	assert.Empty(t, Modulations{}.RequiredTypes())

	all := Modulations{Record: true, Transcribe: true, Translate: true, Survey: true}
	assert.Equal(t, ManifestOrder, all.RequiredTypes())
}

func TestModulations_Validate(t *testing.T) {
	tests := []struct {
		name    string
		m       Modulations
		wantErr bool
	}{
		{"translation off ignores languages", Modulations{Record: true}, false},
		{"valid pair", Modulations{Translate: true, TranslateFrom: "en", TranslateTo: "es"}, false},
		{"missing pair", Modulations{Translate: true}, true},
		{"missing to", Modulations{Translate: true, TranslateFrom: "en"}, true},
		{"uppercase code", Modulations{Translate: true, TranslateFrom: "EN", TranslateTo: "es"}, true},
		{"three letters", Modulations{Translate: true, TranslateFrom: "eng", TranslateTo: "es"}, true},
		{"same language", Modulations{Translate: true, TranslateFrom: "en", TranslateTo: "en"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrInvalidLanguage)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBundlePayload_ExcludesTSAFields(t *testing.T) {
	b := &EvidenceBundle{
		ID: "b-1", ManifestID: "m-1", ManifestHash: "aa", CallID: "c-1",
		TSAStatus: TSASuccess, TSASerial: "0x1", TSAToken: []byte("tok"),
	}
	p := b.Payload()
	assert.Equal(t, "m-1", p.ManifestID)

	// The hashed portion must be unaffected by the TSA outcome.
	b.TSAStatus = TSAError
	b.TSAToken = nil
	assert.Equal(t, p, b.Payload())
}

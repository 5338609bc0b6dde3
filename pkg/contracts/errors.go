package contracts

import (
	"errors"
	"fmt"
)

// ErrNonSerializable is returned when a value cannot be canonicalized
// (cyclic structure, unsupported type). Fatal to the single hash operation,
// not to the pipeline: the next completeness trigger retries generation.
var ErrNonSerializable = errors.New("integrity: value is not serializable")

// ErrManifestNotFound is returned when a recovery path references a manifest
// that does not exist. Surfaced to the caller, never retried internally.
var ErrManifestNotFound = errors.New("integrity: manifest not found")

// ErrBundleNotFound is returned when a lookup references a bundle that does
// not exist.
var ErrBundleNotFound = errors.New("integrity: bundle not found")

// ErrInvalidLanguage is returned when a voice configuration enables
// translation with a missing or malformed language pair.
var ErrInvalidLanguage = errors.New("integrity: invalid translation language pair")

// TSAErrorKind classifies terminal TSA request outcomes.
type TSAErrorKind string

const (
	TSANotConfiguredErr TSAErrorKind = "not_configured"
	TSARequestFailed    TSAErrorKind = "request_failed"
	TSATimeout          TSAErrorKind = "timeout"
)

// TSARequestError records why a timestamp request concluded without a proof.
// It never propagates past the TSA client boundary; it is recorded as bundle
// state instead.
type TSARequestError struct {
	Kind   TSAErrorKind
	Reason string
}

func (e *TSARequestError) Error() string {
	return fmt.Sprintf("tsa %s: %s", e.Kind, e.Reason)
}

// PartialArtifactError flags a malformed artifact payload encountered during
// manifest assembly. The artifact is excluded and noted on the manifest;
// generation continues with the remaining artifacts.
type PartialArtifactError struct {
	ArtifactID string
	Type       ArtifactType
	Reason     string
}

func (e *PartialArtifactError) Error() string {
	return fmt.Sprintf("artifact %s (%s) excluded from manifest: %s", e.ArtifactID, e.Type, e.Reason)
}

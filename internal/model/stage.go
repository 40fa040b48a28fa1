package model

import "strings"

// Stage identifies one unit of pipeline work for a document.
type Stage string

const (
	StageOCR        Stage = "ocr"
	StageMetadata   Stage = "metadata"
	StageExtraction Stage = "extraction"
	StageRefinement Stage = "refinement"
)

// GatedStages lists the status-gated stages in execution order. Refinement is
// opt-in (inclusion-list driven) and deliberately absent.
var GatedStages = []Stage{StageOCR, StageMetadata, StageExtraction}

// AllStages lists every stage that carries a persisted status.
var AllStages = []Stage{StageOCR, StageMetadata, StageExtraction, StageRefinement}

// Downstream returns the stages invalidated when s re-runs. The cascade graph
// is strictly linear; Refinement is never cascaded into because it is not
// status-gated.
func (s Stage) Downstream() []Stage {
	switch s {
	case StageOCR:
		return []Stage{StageMetadata, StageExtraction}
	case StageMetadata:
		return []Stage{StageExtraction}
	default:
		return nil
	}
}

// StatusKind discriminates the stage status variant.
type StatusKind int

const (
	StatusUnset StatusKind = iota
	StatusCompleted
	StatusFailed
	StatusDesync
)

// StageStatus is the persisted outcome of one stage for one document.
// Stored as NULL (unset), the literal "completed", a "desync: ..." marker,
// or an arbitrary error string (failed).
type StageStatus struct {
	Kind    StatusKind
	Message string
}

const (
	completedValue = "completed"
	desyncPrefix   = "desync: "
)

// Completed returns the completed status.
func Completed() StageStatus {
	return StageStatus{Kind: StatusCompleted}
}

// Failed returns a failed status carrying the error text.
func Failed(msg string) StageStatus {
	return StageStatus{Kind: StatusFailed, Message: msg}
}

// Desync returns the distinguished status recorded when a stage claims
// completion but its payload is absent.
func Desync(msg string) StageStatus {
	return StageStatus{Kind: StatusDesync, Message: msg}
}

// ParseStageStatus maps a stored status string back to the variant. The
// stored pointer is nil for unset.
func ParseStageStatus(stored *string) StageStatus {
	if stored == nil || *stored == "" {
		return StageStatus{Kind: StatusUnset}
	}
	switch {
	case *stored == completedValue:
		return StageStatus{Kind: StatusCompleted}
	case strings.HasPrefix(*stored, desyncPrefix):
		return StageStatus{Kind: StatusDesync, Message: strings.TrimPrefix(*stored, desyncPrefix)}
	default:
		return StageStatus{Kind: StatusFailed, Message: *stored}
	}
}

// StorageValue returns the string persisted for this status. ok is false for
// unset, which is stored as NULL.
func (s StageStatus) StorageValue() (value string, ok bool) {
	switch s.Kind {
	case StatusUnset:
		return "", false
	case StatusCompleted:
		return completedValue, true
	case StatusDesync:
		return desyncPrefix + s.Message, true
	default:
		return s.Message, true
	}
}

// String renders the status for display. The unset state has no storage
// value, so it is named explicitly.
func (s StageStatus) String() string {
	v, ok := s.StorageValue()
	if !ok {
		return "unset"
	}
	return v
}

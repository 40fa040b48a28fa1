// Package stage implements the resumable per-document pipeline: OCR,
// metadata, extraction, and refinement, each gated by a pure decision over
// the stage's persisted status.
package stage

import (
	"fmt"

	"github.com/n8layman/ecoextract/internal/model"
)

// Decision is the outcome of gating one stage for one document.
type Decision int

const (
	Skip Decision = iota
	Run
)

func (d Decision) String() string {
	if d == Run {
		return "run"
	}
	return "skip"
}

// DataPresence reports whether a stage's expected payload exists. Extraction
// declares no check because zero extracted records is a legitimate terminal
// state, not a desync.
type DataPresence int

const (
	DataUnchecked DataPresence = iota
	DataPresent
	DataMissing
)

// Presence folds a boolean payload check into a DataPresence.
func Presence(exists bool) DataPresence {
	if exists {
		return DataPresent
	}
	return DataMissing
}

// Decide gates one status-managed stage. It returns the decision and, when a
// desync is detected, the status to persist for it. Force and an upstream
// re-run both short-circuit the status check. Refinement is opt-in and not
// gated here.
func Decide(status model.StageStatus, data DataPresence, force model.ForceDirective, docID string, upstreamRan bool) (Decision, *model.StageStatus) {
	if force.Applies(docID) || upstreamRan {
		return Run, nil
	}

	if status.Kind != model.StatusCompleted {
		// Covers initial runs, prior failures, and recorded desyncs.
		return Run, nil
	}

	if data == DataMissing {
		desync := model.Desync(fmt.Sprintf("status completed but payload absent for %s", docID))
		return Run, &desync
	}

	return Skip, nil
}

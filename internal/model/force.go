package model

import (
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// ForceKind discriminates the forcing directive variant.
type ForceKind int

const (
	ForceNone ForceKind = iota
	ForceAll
	ForceSpecific
)

// ForceDirective is the per-stage re-run directive accepted at the pipeline
// entry point: no force, force all documents, or force an explicit id set.
// Parsed and validated once at the boundary.
type ForceDirective struct {
	Kind ForceKind
	IDs  map[string]struct{}
}

// NoForce is the zero directive.
var NoForce = ForceDirective{Kind: ForceNone}

// ParseForceDirective parses a CLI/config forcing value. Accepted forms:
// empty (no force), "all", or a comma-separated list of document ids. A list
// that reduces to zero ids is a configuration error, not a silent no-op.
func ParseForceDirective(raw string) (ForceDirective, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NoForce, nil
	}
	if strings.EqualFold(raw, "all") {
		return ForceDirective{Kind: ForceAll}, nil
	}

	ids := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		if strings.EqualFold(id, "all") {
			return NoForce, eris.Errorf("force: ambiguous directive %q mixes 'all' with ids", raw)
		}
		ids[id] = struct{}{}
	}
	if len(ids) == 0 {
		return NoForce, eris.Errorf("force: unrecognized directive %q", raw)
	}
	return ForceDirective{Kind: ForceSpecific, IDs: ids}, nil
}

// Applies reports whether the directive forces the given document.
func (f ForceDirective) Applies(docID string) bool {
	switch f.Kind {
	case ForceAll:
		return true
	case ForceSpecific:
		_, ok := f.IDs[docID]
		return ok
	default:
		return false
	}
}

// String renders the directive for logging.
func (f ForceDirective) String() string {
	switch f.Kind {
	case ForceAll:
		return "all"
	case ForceSpecific:
		ids := make([]string, 0, len(f.IDs))
		for id := range f.IDs {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return strings.Join(ids, ",")
	default:
		return "none"
	}
}

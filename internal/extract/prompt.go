// Package extract holds the LLM-backed stage collaborators: bibliographic
// metadata extraction, structured record extraction, and record refinement.
package extract

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const metadataPrompt = `Extract the bibliographic metadata of this paper from its text.
Respond with only a JSON object:
{"title": string|null, "author": string|null, "year": integer|null, "doi": string|null, "journal": string|null}
"author" is the first author, surname first. Use null for anything the text does not state.`

const extractionPromptPreamble = `Extract every ecological occurrence record reported in this paper.
Each record is one observation of one taxon at one place and time.
Respond with only a JSON object {"records": [...]} where each element conforms to this JSON Schema fragment:`

const extractionPromptCoda = `Report values exactly as the paper states them. Omit a field rather than guessing.
If the paper reports no extractable records, respond with {"records": []}.`

const refinementPromptPreamble = `Below are records previously extracted from this paper, each with its record_id.
Improve the descriptive (non-identifying) fields where the paper supports a more complete value.
Respond with only a JSON object {"records": [{"record_id": "...", <field>: <improved value>, ...}]}.
Include only records you are improving and only the fields you are changing. Never change a record_id.`

// PromptHash fingerprints the prompt text and schema that produced a record,
// so reprocessing decisions can tell whether the prompt has changed since.
func PromptHash(parts ...string) string {
	h := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(h[:])[:16]
}

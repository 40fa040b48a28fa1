package stage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/n8layman/ecoextract/internal/dedupe"
	"github.com/n8layman/ecoextract/internal/extract"
	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/ocr"
	"github.com/n8layman/ecoextract/internal/resilience"
	"github.com/n8layman/ecoextract/internal/store"
)

// MetadataExtractor asks for a paper's bibliographic metadata.
type MetadataExtractor interface {
	Extract(ctx context.Context, ocrText string) (model.Metadata, error)
}

// RecordExtractor asks for a paper's occurrence records.
type RecordExtractor interface {
	Extract(ctx context.Context, ocrText string) (*extract.Extraction, error)
}

// Refiner proposes field updates for existing records, keyed by record_id.
type Refiner interface {
	Refine(ctx context.Context, ocrText string, records []model.Record) (map[string]map[string]any, error)
}

// Deduper filters candidate records against existing ones.
type Deduper interface {
	Deduplicate(ctx context.Context, candidates, existing []model.Record) (dedupe.Result, error)
}

// Pipeline walks each document through OCR, metadata, extraction, and
// refinement. Stage failures are recorded in the document's status columns
// and never abort the batch.
type Pipeline struct {
	Store    store.Store
	OCR      ocr.Extractor
	Metadata MetadataExtractor
	Records  RecordExtractor
	Refiner  Refiner
	Deduper  Deduper

	// Force holds the per-stage forcing directives. Missing stages mean no force.
	Force map[model.Stage]model.ForceDirective

	// RefineList is the opt-in set of document ids for the refinement stage.
	RefineList map[string]struct{}

	StageTimeout  time.Duration
	MaxConcurrent int
	Limiter       *rate.Limiter
	Retry         resilience.RetryConfig
}

// Outcome reports one document's pass: which stages ran and the statuses
// persisted at the end of the pass.
type Outcome struct {
	DocumentID string
	SourcePath string
	Ran        map[model.Stage]bool
	Statuses   map[model.Stage]model.StageStatus
}

func (p *Pipeline) force(stage model.Stage) model.ForceDirective {
	if d, ok := p.Force[stage]; ok {
		return d
	}
	return model.NoForce
}

func (p *Pipeline) wait(ctx context.Context) error {
	if p.Limiter == nil {
		return nil
	}
	return p.Limiter.Wait(ctx)
}

func (p *Pipeline) stageCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.StageTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.StageTimeout)
}

// Process runs one full pass over a single document. The returned error is
// reserved for storage failures; stage failures land in the statuses.
func (p *Pipeline) Process(ctx context.Context, docID string) (Outcome, error) {
	out := Outcome{
		DocumentID: docID,
		Ran:        make(map[model.Stage]bool),
		Statuses:   make(map[model.Stage]model.StageStatus),
	}

	doc, err := p.Store.GetDocument(ctx, docID)
	if err != nil {
		return out, eris.Wrap(err, "stage: load document")
	}
	out.SourcePath = doc.SourcePath
	log := zap.L().With(zap.String("document_id", doc.ID), zap.String("source", doc.SourcePath))

	// OCR
	ocrRan, err := p.runGated(ctx, doc, model.StageOCR,
		Presence(doc.OCRText != ""), false, log,
		func(ctx context.Context) error {
			text, err := resilience.DoVal(ctx, p.Retry, func(ctx context.Context) (string, error) {
				return p.OCR.ExtractText(ctx, doc.SourcePath)
			})
			if err != nil {
				return err
			}
			doc.OCRText = text
			return p.Store.SaveOCRText(ctx, doc.ID, text)
		})
	if err != nil {
		return out, err
	}
	out.Ran[model.StageOCR] = ocrRan

	// Metadata
	metaRan, err := p.runGated(ctx, doc, model.StageMetadata,
		Presence(doc.Meta.HasAny()), ocrRan, log,
		func(ctx context.Context) error {
			if err := p.wait(ctx); err != nil {
				return err
			}
			meta, err := p.Metadata.Extract(ctx, doc.OCRText)
			if err != nil {
				return err
			}
			doc.Meta = meta
			return p.Store.SaveMetadata(ctx, doc.ID, meta)
		})
	if err != nil {
		return out, err
	}
	out.Ran[model.StageMetadata] = metaRan

	// Extraction
	extractRan, err := p.runGated(ctx, doc, model.StageExtraction,
		DataUnchecked, ocrRan || metaRan, log,
		func(ctx context.Context) error {
			return p.runExtraction(ctx, doc, log)
		})
	if err != nil {
		return out, err
	}
	out.Ran[model.StageExtraction] = extractRan

	// Refinement: opt-in, not status-gated.
	refineRan, err := p.maybeRefine(ctx, doc, log)
	if err != nil {
		return out, err
	}
	out.Ran[model.StageRefinement] = refineRan

	final, err := p.Store.GetDocument(ctx, doc.ID)
	if err != nil {
		return out, eris.Wrap(err, "stage: reload document")
	}
	for _, s := range model.AllStages {
		out.Statuses[s] = final.Status(s)
	}
	return out, nil
}

// runGated applies the decision function, cascades downstream resets when the
// stage runs, executes it under the stage timeout, and persists the outcome
// status. It returns whether the stage ran (successfully or not).
func (p *Pipeline) runGated(ctx context.Context, doc *model.Document, stage model.Stage, data DataPresence, upstreamRan bool, log *zap.Logger, fn func(ctx context.Context) error) (bool, error) {
	decision, desync := Decide(doc.Status(stage), data, p.force(stage), doc.ID, upstreamRan)
	if desync != nil {
		log.Warn("stage desync detected", zap.String("stage", string(stage)), zap.String("detail", desync.Message))
		if err := p.Store.SetStageStatus(ctx, doc.ID, stage, *desync); err != nil {
			return false, err
		}
	}
	if decision == Skip {
		log.Debug("stage skipped", zap.String("stage", string(stage)))
		return false, nil
	}

	// Reset downstream statuses before they are evaluated, so a re-run here
	// always re-runs the stages that depend on its output.
	for _, ds := range stage.Downstream() {
		if err := p.Store.ClearStageStatus(ctx, doc.ID, ds); err != nil {
			return false, err
		}
	}

	log.Info("stage running", zap.String("stage", string(stage)))
	stageCtx, cancel := p.stageCtx(ctx)
	runErr := fn(stageCtx)
	cancel()

	status := model.Completed()
	if runErr != nil {
		status = model.Failed(runErr.Error())
		log.Warn("stage failed", zap.String("stage", string(stage)), zap.Error(runErr))
	}
	if err := p.Store.SetStageStatus(ctx, doc.ID, stage, status); err != nil {
		return true, err
	}
	return true, nil
}

// runExtraction reads existing records fresh, extracts candidates, filters
// them through the deduper, and inserts only what is genuinely new. It never
// updates an existing record.
func (p *Pipeline) runExtraction(ctx context.Context, doc *model.Document, log *zap.Logger) error {
	existing, err := p.Store.ListRecords(ctx, doc.ID)
	if err != nil {
		return err
	}

	if err := p.wait(ctx); err != nil {
		return err
	}
	extraction, err := p.Records.Extract(ctx, doc.OCRText)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	candidates := make([]model.Record, len(extraction.Records))
	for i, fields := range extraction.Records {
		candidates[i] = model.Record{
			ID:          uuid.New().String(),
			DocumentID:  doc.ID,
			Fields:      fields,
			LLMModel:    extraction.Model,
			PromptHash:  extraction.PromptHash,
			ExtractedAt: now,
		}
	}

	res, err := p.Deduper.Deduplicate(ctx, candidates, existing)
	if err != nil {
		return err
	}

	ordinal := model.MaxOrdinal(existing)
	for i := range res.Kept {
		ordinal++
		res.Kept[i].RecordID = model.NewRecordID(doc.Meta.Author, doc.Meta.Year, ordinal)
	}

	if err := p.Store.InsertRecords(ctx, res.Kept); err != nil {
		return err
	}
	log.Info("extraction complete",
		zap.Int("extracted", len(candidates)),
		zap.Int("inserted", len(res.Kept)),
		zap.Int("duplicates", res.DuplicateCount),
	)
	return nil
}

// maybeRefine runs the refinement stage when the document is on the opt-in
// list and already has records. Updates are matched by business record_id
// and applied by surrogate id; rows the reviewer touched are never written.
func (p *Pipeline) maybeRefine(ctx context.Context, doc *model.Document, log *zap.Logger) (bool, error) {
	if _, ok := p.RefineList[doc.ID]; !ok {
		return false, nil
	}
	records, err := p.Store.ListRecords(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	if len(records) == 0 {
		log.Debug("refinement skipped, document has no records")
		return false, nil
	}

	log.Info("stage running", zap.String("stage", string(model.StageRefinement)))
	stageCtx, cancel := p.stageCtx(ctx)
	runErr := p.applyRefinement(stageCtx, doc, records)
	cancel()

	status := model.Completed()
	if runErr != nil {
		status = model.Failed(runErr.Error())
		log.Warn("stage failed", zap.String("stage", string(model.StageRefinement)), zap.Error(runErr))
	}
	if err := p.Store.SetStageStatus(ctx, doc.ID, model.StageRefinement, status); err != nil {
		return true, err
	}
	return true, nil
}

func (p *Pipeline) applyRefinement(ctx context.Context, doc *model.Document, records []model.Record) error {
	if err := p.wait(ctx); err != nil {
		return err
	}
	updates, err := p.Refiner.Refine(ctx, doc.OCRText, records)
	if err != nil {
		return err
	}

	byRecordID := make(map[string]model.Record, len(records))
	for _, r := range records {
		byRecordID[r.RecordID] = r
	}
	for recordID, fields := range updates {
		rec, ok := byRecordID[recordID]
		if !ok || rec.HumanEdited || rec.DeletedByUser {
			continue
		}
		if err := p.Store.UpdateRecordFields(ctx, rec.ID, fields); err != nil {
			return err
		}
	}
	return nil
}

// ProcessAll runs the pipeline over every given document id with bounded
// document-level parallelism. One document's failure never aborts the batch;
// only context cancellation and storage errors do.
func (p *Pipeline) ProcessAll(ctx context.Context, docIDs []string) ([]Outcome, error) {
	limit := p.MaxConcurrent
	if limit < 1 {
		limit = 1
	}

	var mu sync.Mutex
	outcomes := make([]Outcome, 0, len(docIDs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range docIDs {
		g.Go(func() error {
			out, err := p.Process(gctx, id)
			if err != nil {
				return eris.Wrapf(err, "stage: process %s", id)
			}
			mu.Lock()
			outcomes = append(outcomes, out)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return outcomes, err
	}
	return outcomes, nil
}

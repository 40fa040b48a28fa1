package main

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/n8layman/ecoextract/internal/config"
	"github.com/n8layman/ecoextract/internal/dedupe"
	"github.com/n8layman/ecoextract/internal/extract"
	"github.com/n8layman/ecoextract/internal/model"
	"github.com/n8layman/ecoextract/internal/ocr"
	"github.com/n8layman/ecoextract/internal/resilience"
	"github.com/n8layman/ecoextract/internal/schema"
	"github.com/n8layman/ecoextract/internal/stage"
	"github.com/n8layman/ecoextract/internal/store"
	anthropicpkg "github.com/n8layman/ecoextract/pkg/anthropic"
	openaipkg "github.com/n8layman/ecoextract/pkg/openai"
)

var (
	processDir             string
	processRefineList      string
	processForceOCR        string
	processForceMetadata   string
	processForceExtraction string
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Ingest and process a directory of scanned PDFs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.ValidateProcess(); err != nil {
			return err
		}

		st, sch, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		force, err := parseForceFlags()
		if err != nil {
			return err
		}

		listPath := cfg.Refine.ListPath
		if processRefineList != "" {
			listPath = processRefineList
		}
		refineList, err := config.LoadRefineList(listPath)
		if err != nil {
			return err
		}

		p, err := buildPipeline(st, sch, force, refineList)
		if err != nil {
			return err
		}

		docs, err := stage.Ingest(ctx, st, processDir)
		if err != nil {
			return eris.Wrap(err, "ingest")
		}
		zap.L().Info("ingest complete", zap.Int("documents", len(docs)))

		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}

		outcomes, err := p.ProcessAll(ctx, ids)
		if err != nil {
			return eris.Wrap(err, "process documents")
		}

		var failed int
		for _, out := range outcomes {
			for s, status := range out.Statuses {
				if status.Kind == model.StatusFailed {
					failed++
					zap.L().Warn("stage failed",
						zap.String("document_id", out.DocumentID),
						zap.String("source", out.SourcePath),
						zap.String("stage", string(s)),
						zap.String("status", status.String()),
					)
				}
			}
		}
		zap.L().Info("processing complete",
			zap.Int("documents", len(outcomes)),
			zap.Int("failed_stages", failed),
		)
		return nil
	},
}

func parseForceFlags() (map[model.Stage]model.ForceDirective, error) {
	flags := map[model.Stage]string{
		model.StageOCR:        processForceOCR,
		model.StageMetadata:   processForceMetadata,
		model.StageExtraction: processForceExtraction,
	}
	force := make(map[model.Stage]model.ForceDirective)
	for s, raw := range flags {
		d, err := model.ParseForceDirective(raw)
		if err != nil {
			return nil, eris.Wrapf(err, "parse --force-%s", string(s))
		}
		if d.Kind != model.ForceNone {
			force[s] = d
		}
	}
	return force, nil
}

func buildPipeline(st store.Store, sch *schema.Schema, force map[model.Stage]model.ForceDirective, refineList map[string]struct{}) (*stage.Pipeline, error) {
	ocrClient, err := ocr.NewExtractor(cfg.OCR, cfg.Mistral.Key)
	if err != nil {
		return nil, err
	}

	llm := anthropicpkg.NewClient(cfg.Anthropic.Key)
	models := cfg.Anthropic.Models
	maxTokens := cfg.Anthropic.MaxTokens

	strategy, err := buildDedupeStrategy(llm, sch)
	if err != nil {
		return nil, err
	}

	return &stage.Pipeline{
		Store:         st,
		OCR:           ocrClient,
		Metadata:      extract.NewMetadataExtractor(llm, models, maxTokens),
		Records:       extract.NewRecordExtractor(llm, models, maxTokens, sch),
		Refiner:       extract.NewRefiner(llm, models, maxTokens, sch),
		Deduper:       dedupe.New(strategy, sch),
		Force:         force,
		RefineList:    refineList,
		StageTimeout:  time.Duration(cfg.Pipeline.StageTimeoutSecs) * time.Second,
		MaxConcurrent: cfg.Pipeline.MaxConcurrentDocuments,
		Limiter:       rate.NewLimiter(rate.Limit(cfg.Pipeline.RequestsPerSecond), 1),
		Retry:         resilience.DefaultRetryConfig(),
	}, nil
}

func buildDedupeStrategy(llm anthropicpkg.Client, sch *schema.Schema) (dedupe.Strategy, error) {
	method, err := dedupe.ParseMethod(cfg.Dedupe.Method)
	if err != nil {
		return nil, err
	}
	switch method {
	case dedupe.MethodLexical:
		return dedupe.NewLexical(cfg.Dedupe.Threshold), nil
	case dedupe.MethodEmbedding:
		embedder := openaipkg.NewEmbedder(cfg.OpenAI.Key, cfg.OpenAI.EmbeddingModel)
		return dedupe.NewEmbedding(embedder, cfg.Dedupe.Threshold), nil
	case dedupe.MethodSemantic:
		return dedupe.NewSemantic(llm, cfg.Anthropic.Models, sch.UniqueFields()), nil
	default:
		return nil, eris.Errorf("unsupported dedupe method: %s", method)
	}
}

func init() {
	processCmd.Flags().StringVar(&processDir, "dir", "", "directory of PDFs to ingest (required)")
	processCmd.Flags().StringVar(&processRefineList, "refine-list", "", "YAML file of document ids to refine (overrides config)")
	processCmd.Flags().StringVar(&processForceOCR, "force-ocr", "", "re-run OCR: 'all' or comma-separated document ids")
	processCmd.Flags().StringVar(&processForceMetadata, "force-metadata", "", "re-run metadata: 'all' or comma-separated document ids")
	processCmd.Flags().StringVar(&processForceExtraction, "force-extraction", "", "re-run extraction: 'all' or comma-separated document ids")
	_ = processCmd.MarkFlagRequired("dir")
	rootCmd.AddCommand(processCmd)
}

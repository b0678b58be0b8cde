package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/internal/pipeline"
	"github.com/aura-lectures/backend/pkg/queue"
)

// HandleConversion converts the slide deck to PDF, attaches the PDF to the analysis
// service for summarization context and offers the resource to the completion gate.
func (w *Workers) HandleConversion(ctx context.Context, job *queue.Job) error {
	var msg queue.StageMessage
	if err := queue.Decode(job, &msg); err != nil {
		return err
	}
	log := w.stageLogger(StageConversion, job, msg.MetadataID)

	release, ok := w.lock(queue.RoutingConversion, msg.MetadataID, log)
	if !ok {
		return nil
	}
	defer release()

	rec, err := w.fetch(ctx, msg.MetadataID, log)
	if err != nil || rec == nil {
		return err
	}
	if rec.AudioOnly {
		log.Info("audio-only resource, nothing to convert")
		return nil
	}
	if !branchOpen(job, rec, rec.PDFConversionComplete, models.StatusPDFConverting) {
		if rejoining(job, rec, rec.PDFConversionComplete) {
			return w.offer(ctx, rec, log)
		}
		log.Info("conversion precondition not met, skipping",
			zap.String("status", string(rec.Status)), zap.Bool("pdf_conversion_complete", rec.PDFConversionComplete))
		return nil
	}
	if rec, err = w.enterBranch(ctx, job, rec, models.StatusPDFConverting, conversionDone, log); err != nil || rec == nil {
		return err
	}

	pdfURL, uri, err := w.convert(ctx, rec, log)
	if err != nil {
		return w.failOrHalt(ctx, rec, StageConversion, err, log)
	}

	fresh, err := w.fetch(ctx, rec.ID, log)
	if err != nil || fresh == nil {
		return err
	}
	if fresh.PDFConversionComplete || !pipeline.InParallelPhase(fresh.Status) {
		log.Info("conversion finished elsewhere, discarding result", zap.String("status", string(fresh.Status)))
		return nil
	}

	ok, err = w.Machine.Advance(ctx, fresh,
		[]models.Status{models.StatusPDFConverting, models.StatusTranscribing, models.StatusTranscriptionComplete},
		models.StatusPDFConversionComplete,
		metadata.Update{
			GeneratedPDFURL:       metadata.String(pdfURL),
			AnalysisPDFURI:        metadata.String(uri),
			PDFConversionComplete: metadata.Bool(true),
		})
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	log.Info("document conversion complete")
	return w.offer(ctx, fresh, log)
}

func (w *Workers) convert(ctx context.Context, rec *models.Metadata, log *zap.Logger) (pdfURL, uri string, err error) {
	if rec.DocumentFileID == "" {
		return "", "", fmt.Errorf("no stored document")
	}
	pdfURL, err = w.Converter.Convert(ctx, w.Storage.PublicURL(rec.DocumentFileID))
	if err != nil {
		return "", "", err
	}
	path, err := w.Converter.Fetch(ctx, pdfURL, w.opts.TempDir)
	if err != nil {
		return "", "", err
	}
	defer removeTemp(path, log)

	uri, err = w.Analyzer.AttachDocument(ctx, path)
	if err != nil {
		return "", "", fmt.Errorf("attach pdf: %w", err)
	}
	return pdfURL, uri, nil
}

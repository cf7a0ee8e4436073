package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/documind/documind/internal/blob"
	"github.com/documind/documind/internal/documents"
	"github.com/documind/documind/internal/pipelines"
	"github.com/documind/documind/internal/tracker"
)

// Non-fatal outcomes reported as warnings.
const (
	warnNoDocument     = "document detection failed, using original image"
	warnDetectDisabled = "document detection unavailable, using original image"
	warnDetectTimeout  = "document detection timed out, using original image"
	warnNoText         = "no text extracted, using image description"
	warnNoArchive      = "file storage not configured"
	warnNoStore        = "metadata store not configured"
)

type warning struct {
	kind tracker.ErrorKind
	msg  string
}

// job is the driver-side state of one run. Only the job's goroutine
// touches it, apart from the pending warnings.
type job struct {
	id      string
	in      pipelines.Input
	workDir string
	logger  *slog.Logger

	validation *pipelines.Validation
	sourcePath string // file handed to extraction; the crop when one was made
	detected   bool
	extraction *pipelines.Extraction
	summary    string
	fileURL    string
	documentID string

	mu       sync.Mutex
	warnings []warning
}

func (j *job) warn(kind tracker.ErrorKind, msg string) {
	j.mu.Lock()
	j.warnings = append(j.warnings, warning{kind: kind, msg: msg})
	j.mu.Unlock()
}

func (j *job) takeWarnings() []warning {
	j.mu.Lock()
	defer j.mu.Unlock()
	w := j.warnings
	j.warnings = nil
	return w
}

func (j *job) result(now time.Time) *tracker.Result {
	res := &tracker.Result{
		DocumentID:       j.documentID,
		Summary:          j.summary,
		FileURL:          j.fileURL,
		DocumentDetected: j.detected,
		ProcessedAt:      now.UTC(),
	}
	if j.extraction != nil {
		res.ExtractedText = j.extraction.Text
		res.ImageDescription = j.extraction.ImageDescription
		res.ProcessingMethod = j.extraction.Method
		res.Confidence = j.extraction.Confidence
	}
	if j.validation != nil {
		res.PageCount = j.validation.PageCount
	}
	return res
}

func (j *job) mimeType() string {
	if j.validation != nil && j.validation.MIMEType != "" {
		return j.validation.MIMEType
	}
	return j.in.MIMEType()
}

func (r *Runner) validate(ctx context.Context, j *job) error {
	v, err := await(ctx, func(ctx context.Context) (*pipelines.Validation, error) {
		return r.collab.Validator.Validate(ctx, j.in)
	})
	if err != nil {
		return err
	}
	j.validation = v
	j.sourcePath = j.in.Path
	j.logger.Debug("file validated", "kind", v.Kind, "mime_type", v.MIMEType, "pages", v.PageCount)
	return nil
}

// detect crops the document out of a photo. Detection never fails the job:
// every problem degrades to extracting from the original image.
func (r *Runner) detect(ctx context.Context, j *job) error {
	if j.sourcePath == "" {
		j.sourcePath = j.in.Path
	}
	if j.validation != nil && j.validation.Kind == pipelines.KindPDF {
		return nil
	}

	if err := os.MkdirAll(j.workDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	out := filepath.Join(j.workDir, "cropped"+j.in.Ext())

	_, err := await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.collab.Detector.Detect(ctx, j.in.Path, out)
	})
	switch {
	case err == nil:
		j.detected = true
		j.sourcePath = out
	case r.ctx.Err() != nil:
		return err
	case errors.Is(err, pipelines.ErrNoDocument):
		j.warn(tracker.KindDetection, warnNoDocument)
	case errors.Is(err, pipelines.ErrUnavailable):
		j.warn(tracker.KindDetection, warnDetectDisabled)
	case errors.Is(err, context.DeadlineExceeded):
		j.warn(tracker.KindTimeout, warnDetectTimeout)
	default:
		j.warn(tracker.KindDetection, "document detection error: "+err.Error())
	}
	return nil
}

func (r *Runner) extract(ctx context.Context, j *job) error {
	mime := j.mimeType()
	if j.detected {
		mime = pipelines.MIMETypeFor(j.sourcePath)
	}
	path := j.sourcePath
	ext, err := await(ctx, func(ctx context.Context) (*pipelines.Extraction, error) {
		return r.collab.Extractor.Extract(ctx, path, mime)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("failed to extract text from document: %w", err)
	}

	if ext.Text == "" {
		if ext.ImageDescription == "" {
			return errors.New("failed to extract text from document: no text or description returned")
		}
		ext.Text = ext.ImageDescription
		j.warn(tracker.KindExtraction, warnNoText)
	}
	j.extraction = ext
	j.logger.Debug("text extracted", "chars", len(ext.Text), "confidence", ext.Confidence)
	return nil
}

func (r *Runner) summarize(ctx context.Context, j *job) error {
	text := ""
	if j.extraction != nil {
		text = j.extraction.Text
	}
	if text == "" {
		return errors.New("no text available to summarize")
	}
	s, err := await(ctx, func(ctx context.Context) (string, error) {
		return r.collab.Summarizer.Summarize(ctx, text)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return err
		}
		return fmt.Errorf("failed to generate summary: %w", err)
	}
	j.summary = s
	return nil
}

// finalize archives the upload and saves the document. Both are best
// effort: the extracted text and summary are already in hand, so storage
// problems are reported as warnings on a completed run.
func (r *Runner) finalize(ctx context.Context, j *job) error {
	if r.collab.Archiver == nil {
		j.warn(tracker.KindStorage, warnNoArchive)
	} else {
		key := blob.ObjectKey(j.id, j.in.FileName)
		mime := j.mimeType()
		url, err := await(ctx, func(ctx context.Context) (string, error) {
			return r.collab.Archiver.Archive(ctx, key, j.in.Path, mime)
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return err
			}
			j.warn(tracker.KindStorage, "file storage failed, but processing completed: "+err.Error())
		} else {
			j.fileURL = url
		}
	}

	if r.collab.Store == nil {
		j.warn(tracker.KindStorage, warnNoStore)
		return nil
	}

	doc := &documents.Document{
		ID:            r.cfg.NewID(),
		ProcessID:     j.id,
		FileName:      j.in.FileName,
		FileSizeBytes: j.in.Size,
		MIMEType:      j.mimeType(),
		FileURL:       j.fileURL,
		Summary:       j.summary,
		CreatedAt:     time.Now().UTC(),
	}
	if j.extraction != nil {
		doc.ExtractedText = j.extraction.Text
		doc.ImageDescription = j.extraction.ImageDescription
		doc.ProcessingMethod = j.extraction.Method
		doc.Confidence = j.extraction.Confidence
	}
	doc.DocumentDetected = j.detected
	if j.validation != nil {
		doc.PageCount = j.validation.PageCount
	}

	_, err := await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, r.collab.Store.Save(ctx, doc)
	})
	if err != nil {
		if r.ctx.Err() != nil {
			return err
		}
		j.warn(tracker.KindStorage, "document metadata save failed, but processing completed: "+err.Error())
		return nil
	}
	j.documentID = doc.ID
	return nil
}

// Package pipelines provides the external collaborators the stage driver
// calls: file validation, document detection (a Python CV subprocess),
// text extraction and summarization (Vertex AI Gemini).
package pipelines

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// Input is an uploaded file staged on local disk.
type Input struct {
	FileName string
	Path     string
	Size     int64
}

// Ext returns the lower-cased extension of the original file name.
func (in Input) Ext() string {
	return strings.ToLower(filepath.Ext(in.FileName))
}

// IsPDF reports whether the upload is a PDF by extension.
func (in Input) IsPDF() bool { return in.Ext() == ".pdf" }

// MIMEType maps the upload's extension to a content type.
func (in Input) MIMEType() string {
	return MIMETypeFor(in.FileName)
}

// MIMETypeFor maps a file name to one of the supported content types.
func MIMETypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		return "application/pdf"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

// Validation kinds.
const (
	KindPDF   = "pdf"
	KindImage = "image"
)

// Validation describes an accepted file.
type Validation struct {
	Kind      string // KindPDF or KindImage
	MIMEType  string
	PageCount int
	Width     int
	Height    int
}

// Extraction is the output of a text extractor.
type Extraction struct {
	Text             string  `json:"text"`
	Confidence       float64 `json:"confidence"`
	ImageDescription string  `json:"image_description,omitempty"`
	Method           string  `json:"-"`
}

// RejectError is returned by a Validator for files that will never be
// processable. The driver records it as a validation error.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

func rejectf(format string, args ...any) error {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// IsReject reports whether err is, or wraps, a RejectError.
func IsReject(err error) bool {
	var re *RejectError
	return errors.As(err, &re)
}

// ErrNoDocument is returned by a Detector when no document outline was found.
var ErrNoDocument = errors.New("no document found in image")

// ErrUnavailable is returned by collaborators that are not configured.
var ErrUnavailable = errors.New("collaborator not configured")

// Validator checks that an upload is a supported, intact file.
type Validator interface {
	Validate(ctx context.Context, in Input) (*Validation, error)
}

// Detector finds a document in a photo and writes a perspective-corrected
// crop to outPath. It returns ErrNoDocument when nothing was found.
type Detector interface {
	Detect(ctx context.Context, imagePath, outPath string) error
}

// Extractor pulls text out of a PDF or image.
type Extractor interface {
	Extract(ctx context.Context, path, mimeType string) (*Extraction, error)
}

// Summarizer produces summaries of, and answers questions about, text.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Answer(ctx context.Context, question, context string) (string, error)
}

// Capabilities is what the detector environment reports through
// `doctor --json`.
type Capabilities struct {
	PackageVersion string             `json:"package_version"`
	Python         PythonInfo         `json:"python"`
	Dependencies   map[string]DepInfo `json:"dependencies"`

	CanCrop  bool      `json:"can_crop"`
	ProbedAt time.Time `json:"probed_at"`
}

// PythonInfo holds Python runtime information.
type PythonInfo struct {
	Version    string `json:"version"`
	Executable string `json:"executable"`
}

// DepInfo represents the availability status of a single dependency.
type DepInfo struct {
	Available bool   `json:"available"`
	Version   string `json:"version,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunResult is the structured outcome of a detector subprocess.
type RunResult struct {
	ExitCode   int
	OutputPath string
	StderrTail string
	Duration   time.Duration
}

// IsSuccess returns true when the subprocess exited cleanly.
func (r RunResult) IsSuccess() bool { return r.ExitCode == 0 }

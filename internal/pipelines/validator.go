package pipelines

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

const (
	DefaultMaxBytes = 10 * 1024 * 1024
	DefaultMaxPages = 50
)

var magic = map[string][]byte{
	".pdf":  []byte("%PDF"),
	".jpg":  {0xFF, 0xD8},
	".jpeg": {0xFF, 0xD8},
	".png":  []byte("\x89PNG\r\n\x1a\n"),
}

// SupportedExtensions returns the accepted file extensions, sorted.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(magic))
	for ext := range magic {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// FileValidator accepts PDFs and JPEG/PNG images up to MaxBytes. PDFs must
// parse under pdfcpu's relaxed validation and have at most MaxPages pages.
type FileValidator struct {
	MaxBytes int64
	MaxPages int
}

// NewFileValidator returns a validator with the given limits; zero values
// fall back to the defaults.
func NewFileValidator(maxBytes int64, maxPages int) *FileValidator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &FileValidator{MaxBytes: maxBytes, MaxPages: maxPages}
}

func (v *FileValidator) Validate(ctx context.Context, in Input) (*Validation, error) {
	if in.Size <= 0 {
		return nil, rejectf("file is empty")
	}
	if in.Size > v.MaxBytes {
		return nil, rejectf("file size %d bytes exceeds maximum allowed size of %d bytes", in.Size, v.MaxBytes)
	}

	ext := in.Ext()
	sig, ok := magic[ext]
	if !ok {
		return nil, rejectf("unsupported file type %q, allowed: %s", ext, strings.Join(SupportedExtensions(), ", "))
	}

	f, err := os.Open(in.Path)
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	defer f.Close()

	header := make([]byte, 8)
	n, err := io.ReadFull(f, header)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if !bytes.HasPrefix(header[:n], sig) {
		return nil, rejectf("file content does not match %s format", ext)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if in.IsPDF() {
		return v.validatePDF(in)
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind upload: %w", err)
	}
	cfg, format, err := image.DecodeConfig(f)
	if err != nil {
		return nil, rejectf("image could not be decoded: %v", err)
	}
	if cfg.Width == 0 || cfg.Height == 0 {
		return nil, rejectf("image has zero size")
	}
	return &Validation{
		Kind:     KindImage,
		MIMEType: "image/" + format,
		Width:    cfg.Width,
		Height:   cfg.Height,
	}, nil
}

func (v *FileValidator) validatePDF(in Input) (*Validation, error) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.ValidateFile(in.Path, conf); err != nil {
		return nil, rejectf("PDF is corrupt or unreadable: %v", err)
	}

	pages, err := api.PageCountFile(in.Path)
	if err != nil {
		return nil, rejectf("PDF page count unavailable: %v", err)
	}
	if pages == 0 {
		return nil, rejectf("PDF has no pages")
	}
	if pages > v.MaxPages {
		return nil, rejectf("PDF has %d pages, maximum is %d", pages, v.MaxPages)
	}
	return &Validation{Kind: KindPDF, MIMEType: "application/pdf", PageCount: pages}, nil
}

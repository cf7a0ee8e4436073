package pipelines

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

// minimalPDF builds a structurally valid PDF with the given number of pages.
func minimalPDF(pages int) []byte {
	var objs []string
	kids := ""
	for i := 0; i < pages; i++ {
		kids += fmt.Sprintf("%d 0 R ", 3+i)
	}
	objs = append(objs,
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", kids, pages),
	)
	for i := 0; i < pages; i++ {
		objs = append(objs, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return buf.Bytes()
}

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func testJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode jpeg: %v", err)
	}
	return buf.Bytes()
}

func stage(t *testing.T, name string, data []byte) Input {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write upload: %v", err)
	}
	return Input{FileName: name, Path: path, Size: int64(len(data))}
}

func TestFileValidator_Accepts(t *testing.T) {
	v := NewFileValidator(0, 0)
	ctx := context.Background()

	tests := []struct {
		name     string
		file     string
		data     []byte
		wantKind string
		wantMIME string
	}{
		{"png", "scan.PNG", testPNG(t), "image", "image/png"},
		{"jpeg", "photo.jpeg", testJPEG(t), "image", "image/jpeg"},
		{"jpg", "photo.jpg", testJPEG(t), "image", "image/jpeg"},
		{"pdf", "invoice.pdf", minimalPDF(2), "pdf", "application/pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Validate(ctx, stage(t, tt.file, tt.data))
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got.Kind != tt.wantKind || got.MIMEType != tt.wantMIME {
				t.Errorf("Validate() = %+v, want kind %s mime %s", got, tt.wantKind, tt.wantMIME)
			}
		})
	}
}

func TestFileValidator_PDFPageCount(t *testing.T) {
	v := NewFileValidator(0, 0)
	got, err := v.Validate(context.Background(), stage(t, "doc.pdf", minimalPDF(3)))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got.PageCount != 3 {
		t.Errorf("PageCount = %d, want 3", got.PageCount)
	}
}

func TestFileValidator_Rejects(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name string
		v    *FileValidator
		in   func(t *testing.T) Input
	}{
		{"empty", NewFileValidator(0, 0), func(t *testing.T) Input {
			return Input{FileName: "a.png", Path: "unused", Size: 0}
		}},
		{"too large", NewFileValidator(16, 0), func(t *testing.T) Input {
			return stage(t, "a.png", testPNG(t))
		}},
		{"unsupported extension", NewFileValidator(0, 0), func(t *testing.T) Input {
			return stage(t, "notes.docx", []byte("PK\x03\x04 word"))
		}},
		{"magic mismatch", NewFileValidator(0, 0), func(t *testing.T) Input {
			return stage(t, "fake.pdf", testPNG(t))
		}},
		{"truncated png", NewFileValidator(0, 0), func(t *testing.T) Input {
			return stage(t, "cut.png", testPNG(t)[:12])
		}},
		{"corrupt pdf", NewFileValidator(0, 0), func(t *testing.T) Input {
			return stage(t, "bad.pdf", []byte("%PDF-1.4\nthis is not a pdf body\n"))
		}},
		{"too many pages", NewFileValidator(0, 2), func(t *testing.T) Input {
			return stage(t, "long.pdf", minimalPDF(3))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.v.Validate(ctx, tt.in(t))
			if err == nil {
				t.Fatal("expected rejection")
			}
			if !IsReject(err) {
				t.Errorf("error %v is not a RejectError", err)
			}
		})
	}
}

func TestFileValidator_MissingFileIsNotReject(t *testing.T) {
	v := NewFileValidator(0, 0)
	_, err := v.Validate(context.Background(), Input{FileName: "a.png", Path: "/nonexistent/a.png", Size: 10})
	if err == nil || IsReject(err) {
		t.Errorf("Validate() error = %v, want a non-reject I/O error", err)
	}
}

func TestMIMETypeFor(t *testing.T) {
	tests := map[string]string{
		"a.pdf":  "application/pdf",
		"b.JPG":  "image/jpeg",
		"c.jpeg": "image/jpeg",
		"d.png":  "image/png",
		"e.gif":  "application/octet-stream",
	}
	for name, want := range tests {
		if got := MIMETypeFor(name); got != want {
			t.Errorf("MIMETypeFor(%q) = %q, want %q", name, got, want)
		}
	}
}

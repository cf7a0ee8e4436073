package pipelines

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cloud.google.com/go/vertexai/genai"
)

type fakeGenerator struct {
	reply string
	err   error
	parts []genai.Part
}

func (f *fakeGenerator) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{
			Content: &genai.Content{Parts: []genai.Part{genai.Text(f.reply)}},
		}},
	}, nil
}

func newFakeGemini(extract, summary, answer *fakeGenerator) *Gemini {
	return &Gemini{
		extractor:  extract,
		summarizer: summary,
		answerer:   answer,
		logger:     discardLogger(),
	}
}

func TestGemini_Extract(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	os.WriteFile(path, []byte("png bytes"), 0644)

	gen := &fakeGenerator{reply: "```json\n{\"text\": \"  Invoice #42 \", \"confidence\": 0.93, \"image_description\": \"A printed invoice\"}\n```"}
	g := newFakeGemini(gen, nil, nil)

	out, err := g.Extract(context.Background(), path, "image/png")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if out.Text != "Invoice #42" {
		t.Errorf("Text = %q", out.Text)
	}
	if out.Confidence != 0.93 || out.ImageDescription != "A printed invoice" {
		t.Errorf("Extract() = %+v", out)
	}
	if out.Method != MethodGeminiVision {
		t.Errorf("Method = %q", out.Method)
	}

	blob, ok := gen.parts[0].(genai.Blob)
	if !ok {
		t.Fatalf("first part is %T, want genai.Blob", gen.parts[0])
	}
	if blob.MIMEType != "image/png" || string(blob.Data) != "png bytes" {
		t.Errorf("blob = %s / %q", blob.MIMEType, blob.Data)
	}
}

func TestGemini_ExtractErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	os.WriteFile(path, []byte("png"), 0644)

	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"api error", &fakeGenerator{err: errors.New("quota exceeded")}},
		{"empty", &fakeGenerator{reply: ""}},
		{"not json", &fakeGenerator{reply: "The document says hello"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := newFakeGemini(tt.gen, nil, nil).Extract(context.Background(), path, "image/png"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestGemini_ExtractClampsConfidence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	os.WriteFile(path, []byte("png"), 0644)

	g := newFakeGemini(&fakeGenerator{reply: `{"text": "x", "confidence": 7}`}, nil, nil)
	out, err := g.Extract(context.Background(), path, "image/png")
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if out.Confidence != 0 {
		t.Errorf("Confidence = %v, want 0 for out-of-range value", out.Confidence)
	}
}

func TestGemini_Summarize(t *testing.T) {
	gen := &fakeGenerator{reply: "  A short invoice for consulting work.  "}
	g := newFakeGemini(nil, gen, nil)

	got, err := g.Summarize(context.Background(), "Invoice #42 for consulting")
	if err != nil {
		t.Fatalf("Summarize() error = %v", err)
	}
	if got != "A short invoice for consulting work." {
		t.Errorf("Summarize() = %q", got)
	}
	prompt := string(gen.parts[0].(genai.Text))
	if !strings.Contains(prompt, "Invoice #42 for consulting") {
		t.Errorf("prompt does not carry the text: %q", prompt)
	}
}

func TestGemini_RefusalIsError(t *testing.T) {
	g := newFakeGemini(nil, &fakeGenerator{reply: "I'm sorry, but I can't help with that."}, nil)
	if _, err := g.Summarize(context.Background(), "text"); err == nil {
		t.Error("expected refusal to be an error")
	}
}

func TestGemini_Answer(t *testing.T) {
	gen := &fakeGenerator{reply: "The total is $120."}
	g := newFakeGemini(nil, nil, gen)

	got, err := g.Answer(context.Background(), "What is the total?", "Total: $120")
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if got != "The total is $120." {
		t.Errorf("Answer() = %q", got)
	}
	prompt := string(gen.parts[0].(genai.Text))
	if !strings.Contains(prompt, "What is the total?") || !strings.Contains(prompt, "Total: $120") {
		t.Errorf("prompt = %q", prompt)
	}
}

func TestUnavailable(t *testing.T) {
	u := Unavailable{Reason: "DOCUMIND_VERTEX_PROJECT not set"}
	ctx := context.Background()

	if _, err := u.Extract(ctx, "a", "b"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Extract() error = %v", err)
	}
	if _, err := u.Summarize(ctx, "a"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Summarize() error = %v", err)
	}
	_, err := u.Answer(ctx, "a", "b")
	if !errors.Is(err, ErrUnavailable) || !strings.Contains(err.Error(), "DOCUMIND_VERTEX_PROJECT") {
		t.Errorf("Answer() error = %v", err)
	}
}

package pipelines

import (
	"context"
	"fmt"
)

// Unavailable stands in for the extractor and summarizer when Vertex AI is
// not configured. Every call fails with ErrUnavailable.
type Unavailable struct {
	Reason string
}

func (u Unavailable) err(what string) error {
	if u.Reason == "" {
		return fmt.Errorf("%s: %w", what, ErrUnavailable)
	}
	return fmt.Errorf("%s: %w: %s", what, ErrUnavailable, u.Reason)
}

func (u Unavailable) Extract(context.Context, string, string) (*Extraction, error) {
	return nil, u.err("text extraction")
}

func (u Unavailable) Summarize(context.Context, string) (string, error) {
	return "", u.err("summarization")
}

func (u Unavailable) Answer(context.Context, string, string) (string, error) {
	return "", u.err("question answering")
}

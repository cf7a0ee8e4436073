// Package documents persists the results of completed processing runs.
package documents

import (
	"context"
	"time"
)

const DefaultListLimit = 50

// Document is the durable record of a completed run.
type Document struct {
	ID               string    `json:"id" firestore:"id"`
	ProcessID        string    `json:"processId" firestore:"processId"`
	FileName         string    `json:"fileName" firestore:"fileName"`
	FileSizeBytes    int64     `json:"fileSizeBytes" firestore:"fileSizeBytes"`
	MIMEType         string    `json:"mimeType" firestore:"mimeType"`
	FileURL          string    `json:"fileUrl,omitempty" firestore:"fileUrl"`
	ExtractedText    string    `json:"extractedText" firestore:"extractedText"`
	Summary          string    `json:"summary" firestore:"summary"`
	ImageDescription string    `json:"imageDescription,omitempty" firestore:"imageDescription"`
	ProcessingMethod string    `json:"processingMethod,omitempty" firestore:"processingMethod"`
	Confidence       float64   `json:"confidence" firestore:"confidence"`
	DocumentDetected bool      `json:"documentDetected" firestore:"documentDetected"`
	PageCount        int       `json:"pageCount,omitempty" firestore:"pageCount"`
	CreatedAt        time.Time `json:"createdAt" firestore:"createdAt"`
}

// Store is the metadata store for completed documents. Get returns
// (nil, nil) when no document has the id.
type Store interface {
	Save(ctx context.Context, doc *Document) error
	Get(ctx context.Context, id string) (*Document, error)
	List(ctx context.Context, limit int) ([]*Document, error)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}

package documents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Save(ctx context.Context, d *Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, process_id, file_name, file_size_bytes, mime_type, file_url,
			extracted_text, summary, image_description, processing_method, confidence,
			document_detected, page_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ID, d.ProcessID, d.FileName, d.FileSizeBytes, d.MIMEType, d.FileURL,
		d.ExtractedText, d.Summary, d.ImageDescription, d.ProcessingMethod, d.Confidence,
		boolToInt(d.DocumentDetected), d.PageCount, d.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert document %s: %w", d.ID, err)
	}
	return nil
}

const selectDocument = `
	SELECT id, process_id, file_name, file_size_bytes, mime_type, file_url, extracted_text,
		summary, image_description, processing_method, confidence, document_detected,
		page_count, created_at
	FROM documents`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, selectDocument+` WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx, selectDocument+` ORDER BY created_at DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*Document, error) {
	var d Document
	var detected int
	var createdAt string

	err := row.Scan(&d.ID, &d.ProcessID, &d.FileName, &d.FileSizeBytes, &d.MIMEType, &d.FileURL,
		&d.ExtractedText, &d.Summary, &d.ImageDescription, &d.ProcessingMethod, &d.Confidence,
		&detected, &d.PageCount, &createdAt)
	if err != nil {
		return nil, err
	}

	d.DocumentDetected = detected == 1
	d.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

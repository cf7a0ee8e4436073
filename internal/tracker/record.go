package tracker

import (
	"time"
)

// Status is the lifecycle state of a process record.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusProcessing   Status = "processing"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
)

// IsTerminal reports whether no further stage transitions can happen.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError
}

// ErrorKind classifies a recorded error or warning so clients can tell
// validation failures from extraction or summarization failures without
// parsing messages.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindDetection     ErrorKind = "detection"
	KindExtraction    ErrorKind = "extraction"
	KindSummarization ErrorKind = "summarization"
	KindStorage       ErrorKind = "storage"
	KindTimeout       ErrorKind = "timeout"
	KindCancelled     ErrorKind = "cancelled"
	KindInternal      ErrorKind = "internal"
)

// Entry is a timestamped error or warning.
type Entry struct {
	Message   string    `json:"message"`
	Kind      ErrorKind `json:"kind,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the payload of a completed run.
type Result struct {
	DocumentID       string    `json:"documentId,omitempty"`
	ExtractedText    string    `json:"extractedText"`
	Summary          string    `json:"summary"`
	FileURL          string    `json:"fileUrl,omitempty"`
	ImageDescription string    `json:"imageDescription,omitempty"`
	ProcessingMethod string    `json:"processingMethod,omitempty"`
	Confidence       float64   `json:"confidence"`
	DocumentDetected bool      `json:"documentDetected"`
	PageCount        int       `json:"pageCount,omitempty"`
	ProcessedAt      time.Time `json:"processedAt"`
}

// Record is the mutable state of one job. It is only reachable through
// Registry.Mutate, which serialises writers; its methods enforce the
// state machine so a caller cannot skip, reorder or revive stages.
type Record struct {
	id         string
	fileName   string
	fileSize   int64
	status     Status
	stages     Catalog
	completed  []string
	current    string
	progress   int
	startTime  time.Time
	updatedAt  time.Time
	finishedAt time.Time
	errors     []Entry
	warnings   []Entry
	result     *Result

	now func() time.Time
}

func newRecord(id, fileName string, fileSize int64, stages Catalog, now func() time.Time) *Record {
	t := now()
	return &Record{
		id:        id,
		fileName:  fileName,
		fileSize:  fileSize,
		status:    StatusInitializing,
		stages:    stages.clone(),
		current:   stages[0].Name,
		startTime: t,
		updatedAt: t,
		now:       now,
	}
}

func (r *Record) ID() string           { return r.id }
func (r *Record) Status() Status       { return r.status }
func (r *Record) CurrentStage() string { return r.current }
func (r *Record) Progress() int        { return r.progress }

// Begin moves an initializing record to processing.
func (r *Record) Begin() error {
	if r.status.IsTerminal() {
		return ErrTerminal
	}
	if r.status != StatusInitializing {
		return ErrTransition
	}
	r.status = StatusProcessing
	r.touch()
	return nil
}

// CompleteStage marks the stage in flight as done. name must equal the
// current stage. Completing the final stage completes the record: status
// becomes completed, progress 100 and result is stored, all in the same
// transition so no reader ever sees 100% on a running job.
func (r *Record) CompleteStage(name string, result *Result) error {
	if r.status.IsTerminal() {
		return ErrTerminal
	}
	if r.status != StatusProcessing {
		return ErrTransition
	}
	if name != r.current {
		return ErrStageOrder
	}

	r.completed = append(r.completed, name)
	done := len(r.completed)
	total := len(r.stages)

	if done == total {
		if result == nil {
			result = &Result{}
		}
		res := *result
		r.result = &res
		r.status = StatusCompleted
		r.current = ""
		r.progress = 100
		r.finishedAt = r.now()
		r.updatedAt = r.finishedAt
		return nil
	}

	r.current = r.stages[done].Name
	if p := stagePercent(done, total); p > r.progress {
		r.progress = p
	}
	r.touch()
	return nil
}

// Fail records a fatal error and moves the record to error. The stage in
// flight stays in CurrentStage so clients can show where it stopped.
func (r *Record) Fail(kind ErrorKind, stage, message string) error {
	if r.status.IsTerminal() {
		return ErrTerminal
	}
	r.errors = append(r.errors, r.entry(kind, stage, message))
	r.status = StatusError
	r.finishedAt = r.now()
	r.updatedAt = r.finishedAt
	return nil
}

// AddWarning appends a warning. Allowed in any state, including terminal.
func (r *Record) AddWarning(kind ErrorKind, stage, message string) {
	r.warnings = append(r.warnings, r.entry(kind, stage, message))
	r.touch()
}

// AddError appends an error without changing status. Used for diagnostics
// after the record is terminal, e.g. cleanup failures.
func (r *Record) AddError(kind ErrorKind, stage, message string) {
	r.errors = append(r.errors, r.entry(kind, stage, message))
	r.touch()
}

func (r *Record) entry(kind ErrorKind, stage, message string) Entry {
	return Entry{Message: message, Kind: kind, Stage: stage, Timestamp: r.now()}
}

func (r *Record) touch() {
	r.updatedAt = r.now()
}

// stagePercent is round(100*done/total), held below 100 until the run
// actually completes.
func stagePercent(done, total int) int {
	p := (200*done + total) / (2 * total)
	if p >= 100 {
		p = 99
	}
	return p
}

func (r *Record) clone() *Record {
	c := *r
	c.stages = r.stages.clone()
	c.completed = append([]string(nil), r.completed...)
	c.errors = append([]Entry(nil), r.errors...)
	c.warnings = append([]Entry(nil), r.warnings...)
	if r.result != nil {
		res := *r.result
		c.result = &res
	}
	return &c
}

// Snapshot is an immutable copy of a record handed to readers.
type Snapshot struct {
	ID              string     `json:"id"`
	FileName        string     `json:"fileName"`
	FileSizeBytes   int64      `json:"fileSizeBytes"`
	Status          Status     `json:"status"`
	ProgressPercent int        `json:"progressPercent"`
	CurrentStage    string     `json:"currentStage"`
	Stages          []string   `json:"stages"`
	CompletedStages []string   `json:"completedStages"`
	Errors          []Entry    `json:"errors"`
	Warnings        []Entry    `json:"warnings"`
	StartTime       time.Time  `json:"startTime"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	FinishedAt      *time.Time `json:"finishedAt,omitempty"`
	Result          *Result    `json:"result,omitempty"`
}

// IsTerminal reports whether the snapshot is completed or error.
func (s Snapshot) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// Snapshot copies the record's current state.
func (r *Record) Snapshot() Snapshot {
	s := Snapshot{
		ID:              r.id,
		FileName:        r.fileName,
		FileSizeBytes:   r.fileSize,
		Status:          r.status,
		ProgressPercent: r.progress,
		CurrentStage:    r.current,
		Stages:          r.stages.Names(),
		CompletedStages: append([]string{}, r.completed...),
		Errors:          append([]Entry{}, r.errors...),
		Warnings:        append([]Entry{}, r.warnings...),
		StartTime:       r.startTime,
		UpdatedAt:       r.updatedAt,
	}
	if !r.finishedAt.IsZero() {
		t := r.finishedAt
		s.FinishedAt = &t
	}
	if r.result != nil {
		res := *r.result
		s.Result = &res
	}
	return s
}

func (s Snapshot) clone() Snapshot {
	c := s
	c.Stages = append([]string{}, s.Stages...)
	c.CompletedStages = append([]string{}, s.CompletedStages...)
	c.Errors = append([]Entry{}, s.Errors...)
	c.Warnings = append([]Entry{}, s.Warnings...)
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		c.FinishedAt = &t
	}
	if s.Result != nil {
		res := *s.Result
		c.Result = &res
	}
	return c
}

// Package tracker holds the in-memory state of document processing jobs:
// the stage catalog, per-job process records and the registry that owns them.
package tracker

import (
	"errors"
	"fmt"
)

// StageKey identifies which collaborator drives a stage. Display names may
// change; keys are what the driver dispatches on.
type StageKey string

const (
	StageValidate  StageKey = "validate"
	StageDetect    StageKey = "detect"
	StageExtract   StageKey = "extract"
	StageSummarize StageKey = "summarize"
	StageFinalize  StageKey = "finalize"
)

// Stage is one named step of the pipeline. Stages are immutable once a
// catalog is built.
type Stage struct {
	Key     StageKey `json:"key"`
	Name    string   `json:"name"`
	Ordinal int      `json:"ordinal"`
}

// Catalog is the ordered list of stages a job runs through.
type Catalog []Stage

// DefaultCatalog returns the document pipeline used by the server.
func DefaultCatalog() Catalog {
	return NewCatalog(
		Stage{Key: StageValidate, Name: "Validating file"},
		Stage{Key: StageDetect, Name: "Detecting document"},
		Stage{Key: StageExtract, Name: "Extracting text"},
		Stage{Key: StageSummarize, Name: "Generating summary"},
		Stage{Key: StageFinalize, Name: "Finalizing"},
	)
}

// NewCatalog assigns ordinals in argument order.
func NewCatalog(stages ...Stage) Catalog {
	c := make(Catalog, len(stages))
	for i, s := range stages {
		s.Ordinal = i
		c[i] = s
	}
	return c
}

var errEmptyCatalog = errors.New("stage catalog is empty")

// Validate reports catalog misconfiguration: no stages, blank names or
// duplicate names.
func (c Catalog) Validate() error {
	if len(c) == 0 {
		return errEmptyCatalog
	}
	seen := make(map[string]bool, len(c))
	for i, s := range c {
		if s.Name == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// Names returns the stage names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name
	}
	return names
}

func (c Catalog) clone() Catalog {
	out := make(Catalog, len(c))
	copy(out, c)
	return out
}

package models

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

type MigrationError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

type MigrationSummary struct {
	Migrated int              `json:"migrated"`
	Skipped  int              `json:"skipped"`
	Errors   []MigrationError `json:"errors"`
}

// MigrateJSONStates bulk-imports every project document found in dir into
// dest. Each record is handled independently: documents that fail to parse
// are recorded in Errors, documents without a project identifier are
// skipped, and one bad file never aborts the batch.
func MigrateJSONStates(dir string, dest StateStore) (*MigrationSummary, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migration source dir: %w", err)
	}

	summary := &MigrationSummary{Errors: []MigrationError{}}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			summary.Errors = append(summary.Errors, MigrationError{File: name, Error: err.Error()})
			continue
		}
		state, err := DecodeState(data)
		if errors.Is(err, errMissingProject) {
			summary.Skipped++
			continue
		}
		if err != nil {
			summary.Errors = append(summary.Errors, MigrationError{File: name, Error: err.Error()})
			continue
		}
		if err := dest.Save(state); err != nil {
			summary.Errors = append(summary.Errors, MigrationError{File: name, Error: err.Error()})
			continue
		}
		summary.Migrated++
	}

	log.Printf("[Migrate] %d migrated, %d skipped, %d errors from %s",
		summary.Migrated, summary.Skipped, len(summary.Errors), dir)
	return summary, nil
}

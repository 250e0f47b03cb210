package flows

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// WriteReport saves result as indented JSON in dir and returns the file's
// path. The file name carries the run's start time.
func WriteReport(dir string, result *SuiteResult) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	name := fmt.Sprintf("flowtest-report-%s.json", result.StartTime.Format("20060102-150405"))
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return path, nil
}

package export

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"burstscope/internal/models"
	"burstscope/pkg/analysis"
	"burstscope/pkg/detection"
)

// Summary is the JSON report written next to the CSV output
type Summary struct {
	RunID     string               `json:"runId"`
	CreatedAt time.Time            `json:"createdAt"`
	Source    string               `json:"source"`
	Rank      int                  `json:"rank"`
	Shape     []int                `json:"shape"`
	Params    detection.Params     `json:"params"`
	Metadata  models.ImageMetadata `json:"metadata"`
	Counts    []int                `json:"counts"`
	Metrics   analysis.Metrics     `json:"metrics"`
}

// NewSummary builds the report for one analyzed stack with a fresh run id
func NewSummary(data *models.ImageData, p detection.Params, m *models.BurstMap, metrics analysis.Metrics) Summary {
	s := Summary{
		RunID:     uuid.NewString(),
		CreatedAt: time.Now().UTC(),
		Rank:      m.Rank,
		Params:    p,
		Counts:    m.Counts(),
		Metrics:   metrics,
	}
	if data != nil {
		s.Source = data.Source
		s.Metadata = data.Metadata
		if data.Tensor != nil {
			s.Shape = append([]int(nil), data.Tensor.Shape...)
		}
	}
	return s
}

// WriteSummary encodes the summary as indented JSON
func WriteSummary(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// SaveSummary writes the summary to path, creating parent directories
func SaveSummary(path string, s Summary) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	if err := WriteSummary(f, s); err != nil {
		f.Close()
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return f.Close()
}

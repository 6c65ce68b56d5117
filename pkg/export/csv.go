// Package export writes burst maps to CSV, SQLite, JSON summaries and charts.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"burstscope/internal/models"
)

// CSVHeader returns the column names for a burst map of the given rank
func CSVHeader(rank int) []string {
	if rank == 4 {
		return []string{"time", "z", "row", "col"}
	}
	return []string{"time", "row", "col"}
}

// WriteCSV writes one row per spot, ascending by time and in detection order
// within a time index. The header is chosen from the map's rank, so a map
// whose first time indices are empty still gets the right columns.
func WriteCSV(w io.Writer, m *models.BurstMap) error {
	if m == nil {
		return fmt.Errorf("nil burst map")
	}
	if m.Rank != 3 && m.Rank != 4 {
		return fmt.Errorf("cannot serialize burst map of rank %d", m.Rank)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader(m.Rank)); err != nil {
		return err
	}

	arity := m.Arity()
	record := make([]string, arity+1)
	for t := 0; t < m.Len(); t++ {
		record[0] = strconv.Itoa(t)
		for _, s := range m.At(t) {
			for i, v := range s.Components(arity) {
				record[i+1] = strconv.Itoa(v)
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes the burst map to path, creating parent directories
func SaveCSV(path string, m *models.BurstMap) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %w", err)
	}
	if err := WriteCSV(f, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to write CSV: %w", err)
	}
	return f.Close()
}

package report

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CSVRenderer writes artifacts as CSV tables under <dir>/<yyyy>/<mm>/<dd>/<name>.csv.
type CSVRenderer struct {
	dir string
}

// NewCSVRenderer returns a renderer rooted at dir.
func NewCSVRenderer(dir string) (*CSVRenderer, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("report: output directory is required")
	}
	return &CSVRenderer{dir: dir}, nil
}

// Dir returns the output root.
func (r *CSVRenderer) Dir() string {
	return r.dir
}

// Render writes the artifact and returns its key, the slash-separated path relative to the root.
func (r *CSVRenderer) Render(ctx context.Context, artifact Artifact) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(artifact.Name) == "" {
		return "", errors.New("report: artifact name is required")
	}

	key := fmt.Sprintf("%s/%s.csv", artifact.Date.Format("2006/01/02"), artifact.Name)
	path := filepath.Join(r.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}

	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	header := make([]string, 0, len(artifact.Series)+1)
	header = append(header, "day")
	for _, series := range artifact.Series {
		header = append(header, series.Name)
	}
	if err := writer.Write(header); err != nil {
		return "", err
	}
	for index, day := range artifact.Days {
		row := make([]string, 0, len(header))
		row = append(row, day)
		for _, series := range artifact.Series {
			row = append(row, strconv.FormatInt(series.Counts[index], 10))
		}
		if err := writer.Write(row); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return key, file.Sync()
}

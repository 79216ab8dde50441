package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/daystats/internal/store"
	"github.com/MarcoPoloResearchLab/daystats/internal/timefmt"
)

// fileRecord is one line of an exported event file.
type fileRecord struct {
	Stream      string          `json:"stream"`
	ChannelID   string          `json:"channel_id"`
	ChannelName string          `json:"channel_name"`
	ChannelKind string          `json:"channel_kind"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	Type        string          `json:"type"`
	Body        string          `json:"body"`
	Permalink   string          `json:"permalink"`
	ReportID    string          `json:"report_id"`
	AnswerID    string          `json:"answer_id"`
	Timestamp   json.RawMessage `json:"ts"`
	Metadata    map[string]any  `json:"metadata"`
}

// FileSource reads newline-delimited JSON records exported from the event source.
// Records without a permalink are keyed by their report and answer ids.
type FileSource struct {
	path       string
	normalizer timefmt.Normalizer
}

// NewFileSource returns a Source over the file at path.
func NewFileSource(path string, normalizer timefmt.Normalizer) *FileSource {
	return &FileSource{path: path, normalizer: normalizer}
}

// Streams lists the distinct streams present in the file, sorted.
func (f *FileSource) Streams(ctx context.Context) ([]string, error) {
	records, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	unique := make(map[string]struct{})
	for _, record := range records {
		unique[record.Stream] = struct{}{}
	}
	streams := make([]string, 0, len(unique))
	for stream := range unique {
		streams = append(streams, stream)
	}
	sort.Strings(streams)
	return streams, nil
}

// Fetch returns the records of stream at or after after. Stored times are truncated to the
// second, so records sharing the last stored second are returned again and left to the
// store to ignore.
func (f *FileSource) Fetch(ctx context.Context, stream string, after *time.Time) ([]RawEvent, error) {
	records, err := f.read(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]RawEvent, 0, len(records))
	for _, record := range records {
		if record.Stream != stream {
			continue
		}
		event := record.toRawEvent()
		if after != nil {
			// Unparseable timestamps are passed through so the ingestor can report them.
			if resolved, err := f.normalizer.Resolve(event.Timestamp); err == nil && resolved.Before(*after) {
				continue
			}
		}
		events = append(events, event)
	}
	return events, nil
}

func (f *FileSource) read(ctx context.Context) ([]fileRecord, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var records []fileRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line++
		content := bytes.TrimSpace(scanner.Bytes())
		if len(content) == 0 {
			continue
		}
		var record fileRecord
		if err := json.Unmarshal(content, &record); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", f.path, line, err)
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (r fileRecord) toRawEvent() RawEvent {
	naturalKey := strings.TrimSpace(r.Permalink)
	if naturalKey == "" && r.ReportID != "" && r.AnswerID != "" {
		naturalKey = CompositeKey(r.ReportID, r.AnswerID)
	}
	return RawEvent{
		Stream:      r.Stream,
		ChannelID:   r.ChannelID,
		ChannelName: r.ChannelName,
		ChannelKind: store.DimensionKind(r.ChannelKind),
		UserID:      r.UserID,
		UserName:    r.UserName,
		Type:        r.Type,
		Body:        r.Body,
		NaturalKey:  naturalKey,
		Timestamp:   decodeTimestamp(r.Timestamp),
		Metadata:    r.Metadata,
	}
}

// decodeTimestamp maps a JSON number to epoch seconds and a JSON string through Classify.
// Anything else becomes free text, which the normalizer rejects.
func decodeTimestamp(raw json.RawMessage) timefmt.Input {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return timefmt.FreeText("")
	}
	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		return timefmt.Classify(text)
	}
	var seconds float64
	if err := json.Unmarshal(trimmed, &seconds); err == nil {
		return timefmt.EpochSeconds(seconds)
	}
	return timefmt.FreeText(string(trimmed))
}

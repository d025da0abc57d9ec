package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DataStore defines the interface for data access
type DataStore interface {
	StudyExportRows(ctx context.Context, studyID string) ([]Row, error)
}

// Archiver stores a finished export object.
type Archiver interface {
	Bucket() string
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Service provides study export functionality
type Service struct {
	store    DataStore
	archiver Archiver
	now      func() time.Time
}

// NewService creates a new export service. archiver may be nil.
func NewService(store DataStore, archiver Archiver) *Service {
	return &Service{store: store, archiver: archiver, now: time.Now}
}

// ParseFormat maps a query value onto a Format, defaulting to CSV.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case "", FormatCSV:
		return FormatCSV, nil
	case FormatJSON:
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, value)
	}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	rows, err := s.store.StudyExportRows(ctx, req.StudyID)
	if err != nil {
		return nil, fmt.Errorf("load export rows: %w", err)
	}

	base := fmt.Sprintf("study-%s-%s", req.StudyID, s.now().UTC().Format("20060102T150405Z"))
	switch req.Format {
	case FormatCSV:
		data, err := EncodeCSV(rows)
		if err != nil {
			return nil, err
		}
		return &Result{Data: data, Filename: base + ".csv", MimeType: "text/csv", Rows: len(rows)}, nil
	case FormatJSON:
		data, err := json.MarshalIndent(rows, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("encode json export: %w", err)
		}
		return &Result{Data: data, Filename: base + ".json", MimeType: "application/json", Rows: len(rows)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, req.Format)
	}
}

// Archive renders the export and uploads it under exports/<study>/.
func (s *Service) Archive(ctx context.Context, req Request) (ArchiveResult, error) {
	if s.archiver == nil {
		return ArchiveResult{}, ErrArchiveDisabled
	}
	result, err := s.Export(ctx, req)
	if err != nil {
		return ArchiveResult{}, err
	}
	key := "exports/" + req.StudyID + "/" + result.Filename
	if err := s.archiver.Put(ctx, key, result.Data, result.MimeType); err != nil {
		return ArchiveResult{}, fmt.Errorf("archive export: %w", err)
	}
	return ArchiveResult{
		Bucket:     s.archiver.Bucket(),
		Key:        key,
		Size:       len(result.Data),
		Rows:       result.Rows,
		UploadedAt: s.now().UTC(),
	}, nil
}

var csvHeader = []string{
	"study_id", "participant_id", "access_code", "variant", "status", "current_step", "reentry_count",
	"task_number", "has_chatted", "user_message_count", "assistant_message_count", "thread_count",
	"restart_count", "abandoned_threads", "chat_duration_ms", "post_survey_duration_ms", "task_duration_ms",
	"side_panel_open_count", "side_panel_close_count", "side_panel_open_ms", "side_panel_left_open",
}

// EncodeCSV writes rows as a flat header+rows table. Unavailable durations
// are empty cells.
func EncodeCSV(rows []Row) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.StudyID, r.ParticipantID, r.AccessCode, r.Variant, r.Status, r.CurrentStep, strconv.Itoa(r.ReentryCount),
			strconv.Itoa(r.TaskNumber), strconv.FormatBool(r.HasChatted), strconv.Itoa(r.UserMessageCount),
			strconv.Itoa(r.AssistantMessageCount), strconv.Itoa(r.ThreadCount),
			strconv.Itoa(r.RestartCount), strconv.Itoa(r.AbandonedThreads),
			optionalMs(r.ChatDurationMs), optionalMs(r.PostSurveyDurationMs), optionalMs(r.TaskDurationMs),
			strconv.Itoa(r.SidePanelOpenCount), strconv.Itoa(r.SidePanelCloseCount),
			strconv.FormatInt(r.SidePanelOpenMs, 10), strconv.FormatBool(r.SidePanelLeftOpen),
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func optionalMs(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

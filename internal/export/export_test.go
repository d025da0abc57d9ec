package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeStore struct {
	rows []Row
	err  error
}

func (f fakeStore) StudyExportRows(context.Context, string) ([]Row, error) {
	return f.rows, f.err
}

type fakeArchiver struct {
	key         string
	data        []byte
	contentType string
}

func (f *fakeArchiver) Bucket() string { return "study-exports" }

func (f *fakeArchiver) Put(_ context.Context, key string, data []byte, contentType string) error {
	f.key, f.data, f.contentType = key, data, contentType
	return nil
}

func sampleRows() []Row {
	chat := int64(90000)
	return []Row{
		{StudyID: "std_1", ParticipantID: "prt_1", AccessCode: "ABCD2345", Status: "STARTED", TaskNumber: 1,
			HasChatted: true, UserMessageCount: 3, ThreadCount: 2, RestartCount: 1, ChatDurationMs: &chat, SidePanelOpenMs: 1200},
		{StudyID: "std_1", ParticipantID: "prt_2", AccessCode: "EFGH6789", Status: "CREATED", TaskNumber: 1},
	}
}

func newTestService(archiver Archiver) *Service {
	svc := NewService(fakeStore{rows: sampleRows()}, archiver)
	svc.now = func() time.Time { return time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC) }
	return svc
}

func TestExportCSV(t *testing.T) {
	result, err := newTestService(nil).Export(context.Background(), Request{StudyID: "std_1", Format: FormatCSV})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if result.Filename != "study-std_1-20251103T093000Z.csv" || result.MimeType != "text/csv" {
		t.Fatalf("unexpected result meta: %+v", result)
	}

	records, err := csv.NewReader(strings.NewReader(string(result.Data))).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header + 2 rows, got %d", len(records))
	}
	if len(records[0]) != len(csvHeader) || records[0][0] != "study_id" {
		t.Fatalf("unexpected header: %v", records[0])
	}
	col := func(name string) int {
		for i, h := range records[0] {
			if h == name {
				return i
			}
		}
		t.Fatalf("missing column %s", name)
		return -1
	}
	if got := records[1][col("chat_duration_ms")]; got != "90000" {
		t.Fatalf("expected chat duration 90000, got %q", got)
	}
	if got := records[2][col("chat_duration_ms")]; got != "" {
		t.Fatalf("expected unavailable duration as empty cell, got %q", got)
	}
	if got := records[1][col("restart_count")]; got != "1" {
		t.Fatalf("expected restart count 1, got %q", got)
	}
}

func TestExportJSON(t *testing.T) {
	result, err := newTestService(nil).Export(context.Background(), Request{StudyID: "std_1", Format: FormatJSON})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	var rows []Row
	if err := json.Unmarshal(result.Data, &rows); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(rows) != 2 || rows[1].ChatDurationMs != nil {
		t.Fatalf("unexpected rows: %+v", rows)
	}
}

func TestExportRejectsUnknownFormat(t *testing.T) {
	_, err := newTestService(nil).Export(context.Background(), Request{StudyID: "std_1", Format: "pdf"})
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if _, err := ParseFormat("xlsx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ParseFormat to reject xlsx, got %v", err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatCSV {
		t.Fatalf("expected csv default, got %q %v", f, err)
	}
}

func TestArchiveUploadsExport(t *testing.T) {
	archiver := &fakeArchiver{}
	result, err := newTestService(archiver).Archive(context.Background(), Request{StudyID: "std_1", Format: FormatCSV})
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archiver.key != "exports/std_1/study-std_1-20251103T093000Z.csv" || archiver.contentType != "text/csv" {
		t.Fatalf("unexpected upload: key=%s type=%s", archiver.key, archiver.contentType)
	}
	if result.Bucket != "study-exports" || result.Size != len(archiver.data) || result.Rows != 2 {
		t.Fatalf("unexpected archive result: %+v", result)
	}
}

func TestArchiveDisabled(t *testing.T) {
	_, err := newTestService(nil).Archive(context.Background(), Request{StudyID: "std_1", Format: FormatCSV})
	if !errors.Is(err, ErrArchiveDisabled) {
		t.Fatalf("expected ErrArchiveDisabled, got %v", err)
	}
}

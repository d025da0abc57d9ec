// Package export produces analysis-ready study tables as CSV or JSON and
// archives them to S3 compatible storage.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// Request contains parameters for an export operation
type Request struct {
	StudyID string
	Format  Format
}

// Row is one task session of one participant, flattened for analysis.
type Row struct {
	StudyID               string `json:"studyId"`
	ParticipantID         string `json:"participantId"`
	AccessCode            string `json:"accessCode"`
	Variant               string `json:"variant"`
	Status                string `json:"status"`
	CurrentStep           string `json:"currentStep"`
	ReentryCount          int    `json:"reentryCount"`
	TaskNumber            int    `json:"taskNumber"`
	HasChatted            bool   `json:"hasChatted"`
	UserMessageCount      int    `json:"userMessageCount"`
	AssistantMessageCount int    `json:"assistantMessageCount"`
	ThreadCount           int    `json:"threadCount"`
	RestartCount          int    `json:"restartCount"`
	AbandonedThreads      int    `json:"abandonedThreads"`
	ChatDurationMs        *int64 `json:"chatDurationMs"`
	PostSurveyDurationMs  *int64 `json:"postSurveyDurationMs"`
	TaskDurationMs        *int64 `json:"taskDurationMs"`
	SidePanelOpenCount    int    `json:"sidePanelOpenCount"`
	SidePanelCloseCount   int    `json:"sidePanelCloseCount"`
	SidePanelOpenMs       int64  `json:"sidePanelOpenMs"`
	SidePanelLeftOpen     bool   `json:"sidePanelLeftOpen"`
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
	Rows     int
}

// ArchiveResult points at an uploaded export object.
type ArchiveResult struct {
	Bucket     string    `json:"bucket"`
	Key        string    `json:"key"`
	Size       int       `json:"size"`
	Rows       int       `json:"rows"`
	UploadedAt time.Time `json:"uploadedAt"`
}

var (
	// ErrUnsupportedFormat indicates a format other than csv or json was requested.
	ErrUnsupportedFormat = errors.New("unsupported export format")
	// ErrArchiveDisabled indicates no object storage was configured.
	ErrArchiveDisabled = errors.New("export archive not configured")
)

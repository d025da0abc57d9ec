package search

import "context"

// Result is a single transcript hit.
type Result struct {
	MessageID        string `json:"messageId"`
	ThreadExternalID string `json:"threadExternalId"`
	ParticipantID    string `json:"participantId"`
	StudyID          string `json:"studyId"`
	TaskNumber       int    `json:"taskNumber"`
	Role             string `json:"role"`
	Sequence         int    `json:"sequence"`
	Snippet          string `json:"snippet"`
}

// Query describes a transcript search request.
type Query struct {
	Text          string
	StudyID       string
	ParticipantID string
	Role          string
	TaskNumber    int // 0 = all tasks
	Limit         int
	Offset        int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Backend string   `json:"backend"`
}

// Backend can execute a transcript search.
type Backend interface {
	Name() string
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push messages into a search index.
type Indexer interface {
	IndexMessages(records []MessageRecord) error
}

// MessageRecord is the data we index for a chat message.
type MessageRecord struct {
	ID               string `json:"id"`
	ThreadExternalID string `json:"threadExternalId"`
	ParticipantID    string `json:"participantId"`
	StudyID          string `json:"studyId"`
	TaskNumber       int    `json:"taskNumber"`
	Role             string `json:"role"`
	Sequence         int    `json:"sequence"`
	Content          string `json:"content"`
	CreatedAt        int64  `json:"createdAt"`
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return 20
	}
	return q.Limit
}

func (q Query) offset() int {
	if q.Offset < 0 {
		return 0
	}
	return q.Offset
}

package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Backend using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Name() string {
	return "postgres"
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search matches message content with plainto_tsquery, ranked by ts_rank,
// with ts_headline snippets.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	where := []string{"to_tsvector('english', m.content) @@ " + tsQuery}
	addFilter := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if q.StudyID != "" {
		addFilter("p.study_id = $%d", q.StudyID)
	}
	if q.ParticipantID != "" {
		addFilter("t.participant_id = $%d", q.ParticipantID)
	}
	if q.Role != "" {
		addFilter("m.role = $%d", strings.ToUpper(q.Role))
	}
	if q.TaskNumber > 0 {
		addFilter("t.task_number = $%d", q.TaskNumber)
	}

	from := `
		FROM chat_messages m
		JOIN chat_threads t ON t.id = m.thread_id
		JOIN participants p ON p.id = t.participant_id
		WHERE ` + strings.Join(where, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*)"+from, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id, t.external_id, t.participant_id, p.study_id, t.task_number, m.role, m.sequence,
			ts_headline('english', m.content, %s, 'MaxFragments=1,MaxWords=30')
		%s
		ORDER BY ts_rank(to_tsvector('english', m.content), %s) DESC, m.created_at DESC
		LIMIT %d OFFSET %d`, tsQuery, from, tsQuery, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.MessageID, &r.ThreadExternalID, &r.ParticipantID, &r.StudyID, &r.TaskNumber, &r.Role, &r.Sequence, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all messages for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, t.external_id, t.participant_id, p.study_id, t.task_number, m.role, m.sequence, m.content,
			EXTRACT(EPOCH FROM m.created_at)::bigint
		FROM chat_messages m
		JOIN chat_threads t ON t.id = m.thread_id
		JOIN participants p ON p.id = t.participant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var r MessageRecord
		if err := rows.Scan(&r.ID, &r.ThreadExternalID, &r.ParticipantID, &r.StudyID, &r.TaskNumber, &r.Role, &r.Sequence, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}

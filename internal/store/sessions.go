package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

const taskSessionColumns = `id, participant_id, task_number, started_at, chat_started_at, chat_ended_at,
	ready_to_answer_at, post_survey_started_at, post_survey_submitted_at, has_chatted_at_least_once,
	user_message_count, assistant_message_count, chat_restart_count,
	side_panel_open_count, side_panel_close_count, side_panel_open_ms`

func scanTaskSession(row rowScanner) (TaskSession, error) {
	var ts TaskSession
	err := row.Scan(
		&ts.ID, &ts.ParticipantID, &ts.TaskNumber, &ts.StartedAt, &ts.ChatStartedAt, &ts.ChatEndedAt,
		&ts.ReadyToAnswerAt, &ts.PostSurveyStartedAt, &ts.PostSurveySubmittedAt, &ts.HasChattedAtLeastOnce,
		&ts.UserMessageCount, &ts.AssistantMessageCount, &ts.ChatRestartCount,
		&ts.SidePanelOpenCount, &ts.SidePanelCloseCount, &ts.SidePanelOpenMs,
	)
	return ts, err
}

// EnsureTaskSession creates the (participant, task) session or returns the
// existing one. Losing the insert race is not an error.
func (s *PostgresStore) EnsureTaskSession(ctx context.Context, participantID string, taskNumber int, now time.Time) (TaskSession, bool, error) {
	ts, err := scanTaskSession(s.db.QueryRowContext(ctx, `
		INSERT INTO task_sessions (id, participant_id, task_number, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id, task_number) DO NOTHING
		RETURNING `+taskSessionColumns,
		util.NewID("tsk"), participantID, taskNumber, now))
	if err == nil {
		return ts, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TaskSession{}, false, fmt.Errorf("insert task session: %w", err)
	}
	existing, err := s.GetTaskSession(ctx, participantID, taskNumber)
	if err != nil {
		return TaskSession{}, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) GetTaskSession(ctx context.Context, participantID string, taskNumber int) (TaskSession, error) {
	ts, err := scanTaskSession(s.db.QueryRowContext(ctx, `
		SELECT `+taskSessionColumns+` FROM task_sessions WHERE participant_id=$1 AND task_number=$2
	`, participantID, taskNumber))
	if err != nil {
		return TaskSession{}, classify(err)
	}
	return ts, nil
}

func (s *PostgresStore) ListTaskSessions(ctx context.Context, participantID string) ([]TaskSession, error) {
	return s.queryTaskSessions(ctx, `
		SELECT `+taskSessionColumns+` FROM task_sessions WHERE participant_id=$1 ORDER BY task_number
	`, participantID)
}

func (s *PostgresStore) ListStudyTaskSessions(ctx context.Context, studyID string) ([]TaskSession, error) {
	return s.queryTaskSessions(ctx, `
		SELECT `+prefixed("ts", taskSessionColumns)+`
		FROM task_sessions ts
		JOIN participants p ON p.id = ts.participant_id
		WHERE p.study_id=$1
		ORDER BY ts.participant_id, ts.task_number
	`, studyID)
}

func (s *PostgresStore) queryTaskSessions(ctx context.Context, query string, args ...any) ([]TaskSession, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task sessions: %w", err)
	}
	defer rows.Close()

	items := make([]TaskSession, 0)
	for rows.Next() {
		ts, err := scanTaskSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task session: %w", err)
		}
		items = append(items, ts)
	}
	return items, rows.Err()
}

// MarkReadyToAnswer ends the chat phase of a task. Each timestamp keeps its
// first recorded value and the still active thread is closed as TASK_FINISHED.
func (s *PostgresStore) MarkReadyToAnswer(ctx context.Context, participantID string, taskNumber int, now time.Time) (TaskSession, error) {
	var ts TaskSession
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ts, err = scanTaskSession(tx.QueryRowContext(ctx, `
			UPDATE task_sessions SET
				ready_to_answer_at = COALESCE(ready_to_answer_at, $3),
				post_survey_started_at = COALESCE(post_survey_started_at, $3),
				chat_ended_at = COALESCE(chat_ended_at, $3)
			WHERE participant_id=$1 AND task_number=$2
			RETURNING `+taskSessionColumns,
			participantID, taskNumber, now))
		if err != nil {
			return classify(fmt.Errorf("mark ready to answer: %w", err))
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_threads SET status='CLOSED', close_reason='TASK_FINISHED', closed_at=GREATEST(created_at, $2)
			WHERE task_session_id=$1 AND status='ACTIVE'
		`, ts.ID, now); err != nil {
			return fmt.Errorf("close finished threads: %w", err)
		}
		return nil
	})
	if err != nil {
		return TaskSession{}, err
	}
	return ts, nil
}

func (s *PostgresStore) MarkPostSurveySubmitted(ctx context.Context, participantID string, taskNumber int, now time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE task_sessions SET
			post_survey_started_at = COALESCE(post_survey_started_at, $3),
			post_survey_submitted_at = COALESCE(post_survey_submitted_at, $3)
		WHERE participant_id=$1 AND task_number=$2
	`, participantID, taskNumber, now)
	if err != nil {
		return fmt.Errorf("mark post survey submitted: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenSidePanel starts a span unless one is already open. It reports whether
// a new span was recorded.
func (s *PostgresStore) OpenSidePanel(ctx context.Context, taskSessionID string, now time.Time) (bool, error) {
	opened := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO side_panel_spans (id, task_session_id, opened_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (task_session_id) WHERE closed_at IS NULL DO NOTHING
		`, util.NewID("spn"), taskSessionID, now)
		if err != nil {
			return classify(fmt.Errorf("open side panel: %w", err))
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_sessions SET side_panel_open_count = side_panel_open_count + 1 WHERE id=$1
		`, taskSessionID); err != nil {
			return fmt.Errorf("count side panel open: %w", err)
		}
		opened = true
		return nil
	})
	return opened, err
}

// CloseSidePanel closes the open span and adds its length to the session's
// accumulated open time. Closing a closed panel is a no-op.
func (s *PostgresStore) CloseSidePanel(ctx context.Context, taskSessionID string, now time.Time) (bool, error) {
	closed := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var openedAt time.Time
		err := tx.QueryRowContext(ctx, `
			UPDATE side_panel_spans SET closed_at = GREATEST(opened_at, $2)
			WHERE task_session_id=$1 AND closed_at IS NULL
			RETURNING opened_at
		`, taskSessionID, now).Scan(&openedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("close side panel: %w", err)
		}
		elapsed := now.Sub(openedAt).Milliseconds()
		if elapsed < 0 {
			elapsed = 0
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_sessions SET
				side_panel_close_count = side_panel_close_count + 1,
				side_panel_open_ms = side_panel_open_ms + $2
			WHERE id=$1
		`, taskSessionID, elapsed); err != nil {
			return fmt.Errorf("accumulate side panel time: %w", err)
		}
		closed = true
		return nil
	})
	return closed, err
}

func (s *PostgresStore) GetOpenSidePanelSpan(ctx context.Context, taskSessionID string) (*SidePanelSpan, error) {
	var span SidePanelSpan
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_session_id, opened_at, closed_at FROM side_panel_spans
		WHERE task_session_id=$1 AND closed_at IS NULL
	`, taskSessionID).Scan(&span.ID, &span.TaskSessionID, &span.OpenedAt, &span.ClosedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get open side panel span: %w", err)
	}
	return &span, nil
}

// ListOpenSidePanelSpans returns the open spans of every session in a study,
// keyed by task session id.
func (s *PostgresStore) ListOpenSidePanelSpans(ctx context.Context, studyID string) (map[string]SidePanelSpan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sp.id, sp.task_session_id, sp.opened_at, sp.closed_at
		FROM side_panel_spans sp
		JOIN task_sessions ts ON ts.id = sp.task_session_id
		JOIN participants p ON p.id = ts.participant_id
		WHERE p.study_id=$1 AND sp.closed_at IS NULL
	`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list open side panel spans: %w", err)
	}
	defer rows.Close()

	spans := make(map[string]SidePanelSpan)
	for rows.Next() {
		var span SidePanelSpan
		if err := rows.Scan(&span.ID, &span.TaskSessionID, &span.OpenedAt, &span.ClosedAt); err != nil {
			return nil, fmt.Errorf("scan side panel span: %w", err)
		}
		spans[span.TaskSessionID] = span
	}
	return spans, rows.Err()
}

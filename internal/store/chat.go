package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/usage"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

const threadColumns = `id, external_id, task_session_id, participant_id, task_number, status,
	close_reason, restart_index, created_at, closed_at`

func scanThread(row rowScanner) (ChatThread, error) {
	var t ChatThread
	var reason sql.NullString
	err := row.Scan(
		&t.ID, &t.ExternalID, &t.TaskSessionID, &t.ParticipantID, &t.TaskNumber, &t.Status,
		&reason, &t.RestartIndex, &t.CreatedAt, &t.ClosedAt,
	)
	t.CloseReason = reason.String
	return t, err
}

const messageColumns = `m.id, m.thread_id, t.external_id, t.participant_id, COALESCE(m.external_message_id, ''), m.sequence,
	m.role, m.content, COALESCE(m.tool_metadata::text, ''), m.created_at`

func scanMessage(row rowScanner) (ChatMessage, error) {
	var m ChatMessage
	var metadata string
	err := row.Scan(
		&m.ID, &m.ThreadID, &m.ThreadExternalID, &m.ParticipantID, &m.ExternalMessageID, &m.Sequence,
		&m.Role, &m.Content, &metadata, &m.CreatedAt,
	)
	if metadata != "" {
		m.ToolMetadata = json.RawMessage(metadata)
	}
	return m, err
}

func (s *PostgresStore) GetThreadByExternalID(ctx context.Context, externalID string) (ChatThread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, `SELECT `+threadColumns+` FROM chat_threads WHERE external_id=$1`, externalID))
	if err != nil {
		return ChatThread{}, classify(err)
	}
	return t, nil
}

// EnsureThread is one attempt at resolve-or-create for an external thread id.
// The owning task session row is locked for the duration so restart indexes
// stay dense and at most one thread per session is left ACTIVE. A lost
// creation race surfaces as ErrConflict; callers retry and re-read.
func (s *PostgresStore) EnsureThread(ctx context.Context, in NewThread) (ChatThread, bool, error) {
	var (
		thread  ChatThread
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		const findThread = `SELECT ` + threadColumns + ` FROM chat_threads WHERE external_id=$1`
		existing, err := scanThread(tx.QueryRowContext(ctx, findThread, in.ExternalID))
		if err == nil {
			thread = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup thread: %w", err)
		}

		var sessionID string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM task_sessions WHERE participant_id=$1 AND task_number=$2 FOR UPDATE
		`, in.ParticipantID, in.TaskNumber).Scan(&sessionID)
		if err != nil {
			return classify(fmt.Errorf("lock task session: %w", err))
		}

		// A concurrent creator may have committed while we waited for the lock.
		existing, err = scanThread(tx.QueryRowContext(ctx, findThread, in.ExternalID))
		if err == nil {
			thread = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lookup thread: %w", err)
		}

		var threadCount int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_threads WHERE task_session_id=$1`, sessionID).Scan(&threadCount); err != nil {
			return fmt.Errorf("count threads: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE chat_threads SET status='CLOSED', close_reason='RESTARTED', closed_at=GREATEST(created_at, $2)
			WHERE task_session_id=$1 AND status='ACTIVE'
		`, sessionID, in.Now); err != nil {
			return fmt.Errorf("close superseded threads: %w", err)
		}

		thread, err = scanThread(tx.QueryRowContext(ctx, `
			INSERT INTO chat_threads (id, external_id, task_session_id, participant_id, task_number, status, restart_index, created_at)
			VALUES ($1, $2, $3, $4, $5, 'ACTIVE', $6, $7)
			RETURNING `+threadColumns,
			util.NewID("thr"), in.ExternalID, sessionID, in.ParticipantID, in.TaskNumber, threadCount, in.Now))
		if err != nil {
			return classify(fmt.Errorf("insert thread: %w", err))
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE task_sessions SET chat_restart_count=$2 WHERE id=$1
		`, sessionID, usage.RestartCount(threadCount+1)); err != nil {
			return fmt.Errorf("update restart count: %w", err)
		}
		created = true
		return nil
	})
	if err != nil {
		return ChatThread{}, false, err
	}
	return thread, created, nil
}

func (s *PostgresStore) FindMessageByExternalID(ctx context.Context, externalMessageID string) (ChatMessage, error) {
	m, err := scanMessage(s.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages m JOIN chat_threads t ON t.id = m.thread_id
		WHERE m.external_message_id=$1
	`, externalMessageID))
	if err != nil {
		return ChatMessage{}, classify(err)
	}
	return m, nil
}

// InsertMessage is one append attempt: it assigns max(sequence)+1 and bumps
// the owning session's counters in the same transaction. Appends to one
// session serialize on the session row. A sequence collision returns
// ErrConflict; an already stored external message id returns
// ErrDuplicateMessage.
func (s *PostgresStore) InsertMessage(ctx context.Context, in NewMessage) (ChatMessage, error) {
	var message ChatMessage
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var sessionID, threadExternalID, participantID string
		err := tx.QueryRowContext(ctx, `
			SELECT task_session_id, external_id, participant_id FROM chat_threads WHERE id=$1
		`, in.ThreadID).Scan(&sessionID, &threadExternalID, &participantID)
		if err != nil {
			return classify(fmt.Errorf("lookup thread: %w", err))
		}
		// Session before thread, the same order EnsureThread and reconciliation use.
		if _, err := tx.ExecContext(ctx, `SELECT 1 FROM task_sessions WHERE id=$1 FOR UPDATE`, sessionID); err != nil {
			return classify(fmt.Errorf("lock task session: %w", err))
		}

		var nextSequence int
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(sequence), 0) + 1 FROM chat_messages WHERE thread_id=$1
		`, in.ThreadID).Scan(&nextSequence); err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}

		var metadata string
		if len(in.ToolMetadata) > 0 {
			metadata = string(in.ToolMetadata)
		}
		var (
			messageID string
			createdAt time.Time
		)
		err = tx.QueryRowContext(ctx, `
			INSERT INTO chat_messages (id, thread_id, external_message_id, sequence, role, content, tool_metadata, created_at)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, NULLIF($7, '')::jsonb, $8)
			ON CONFLICT (external_message_id) WHERE external_message_id IS NOT NULL DO NOTHING
			RETURNING id, created_at
		`, util.NewID("msg"), in.ThreadID, in.ExternalMessageID, nextSequence, in.Role, in.Content, metadata, in.Now).Scan(&messageID, &createdAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrDuplicateMessage
		}
		if err != nil {
			return classify(fmt.Errorf("insert message: %w", err))
		}

		switch in.Role {
		case RoleUser:
			_, err = tx.ExecContext(ctx, `
				UPDATE task_sessions SET
					user_message_count = user_message_count + 1,
					has_chatted_at_least_once = TRUE,
					chat_started_at = COALESCE(chat_started_at, $2)
				WHERE id=$1
			`, sessionID, in.Now)
		case RoleAssistant:
			_, err = tx.ExecContext(ctx, `
				UPDATE task_sessions SET assistant_message_count = assistant_message_count + 1 WHERE id=$1
			`, sessionID)
		}
		if err != nil {
			return fmt.Errorf("bump message counters: %w", err)
		}

		message = ChatMessage{
			ID:                messageID,
			ThreadID:          in.ThreadID,
			ThreadExternalID:  threadExternalID,
			ParticipantID:     participantID,
			ExternalMessageID: in.ExternalMessageID,
			Sequence:          nextSequence,
			Role:              in.Role,
			Content:           in.Content,
			ToolMetadata:      in.ToolMetadata,
			CreatedAt:         createdAt,
		}
		return nil
	})
	if err != nil {
		return ChatMessage{}, err
	}
	return message, nil
}

// CloseThread closes an ACTIVE thread with an explicit reason. Closing an
// already closed thread returns it unchanged.
func (s *PostgresStore) CloseThread(ctx context.Context, externalID, reason string, now time.Time) (ChatThread, error) {
	t, err := scanThread(s.db.QueryRowContext(ctx, `
		UPDATE chat_threads SET status='CLOSED', close_reason=$2, closed_at=GREATEST(created_at, $3)
		WHERE external_id=$1 AND status='ACTIVE'
		RETURNING `+threadColumns,
		externalID, reason, now))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ChatThread{}, fmt.Errorf("close thread: %w", err)
	}
	return s.GetThreadByExternalID(ctx, externalID)
}

func (s *PostgresStore) ListParticipantThreads(ctx context.Context, participantID string) ([]ChatThread, error) {
	return s.queryThreads(ctx, `
		SELECT `+threadColumns+` FROM chat_threads WHERE participant_id=$1 ORDER BY task_number, restart_index
	`, participantID)
}

func (s *PostgresStore) ListStudyThreads(ctx context.Context, studyID string) ([]ChatThread, error) {
	return s.queryThreads(ctx, `
		SELECT `+prefixed("t", threadColumns)+`
		FROM chat_threads t JOIN participants p ON p.id = t.participant_id
		WHERE p.study_id=$1
		ORDER BY t.participant_id, t.task_number, t.restart_index
	`, studyID)
}

func (s *PostgresStore) queryThreads(ctx context.Context, query string, args ...any) ([]ChatThread, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]ChatThread, 0)
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListMessages(ctx context.Context, threadID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM chat_messages m JOIN chat_threads t ON t.id = m.thread_id
		WHERE m.thread_id=$1
		ORDER BY m.sequence
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

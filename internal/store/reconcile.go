package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/usage"
)

// ReconcileAbandoned closes every ACTIVE thread of the participant as
// ABANDONED at endedAt, caps chat_ended_at on the affected sessions where it
// is still unset and recomputes their restart counts from the full thread
// set. All three steps commit together; with nothing active it is a no-op.
func (s *PostgresStore) ReconcileAbandoned(ctx context.Context, participantID string, endedAt time.Time) (ReconcileResult, error) {
	var result ReconcileResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		result, err = reconcileTx(ctx, tx, participantID, endedAt)
		return err
	})
	return result, err
}

// ReconcileIdleParticipant is the sweep variant. It locks the participant row
// and only reconciles when the last activity is still older than cutoff, so a
// participant who came back in the meantime is left to the inline path.
func (s *PostgresStore) ReconcileIdleParticipant(ctx context.Context, participantID string, cutoff time.Time) (ReconcileResult, bool, error) {
	var (
		result ReconcileResult
		ran    bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var lastActiveAt *time.Time
		err := tx.QueryRowContext(ctx, `SELECT last_active_at FROM participants WHERE id=$1 FOR UPDATE`, participantID).Scan(&lastActiveAt)
		if err != nil {
			return classify(fmt.Errorf("lock participant: %w", err))
		}
		if lastActiveAt == nil || !lastActiveAt.Before(cutoff) {
			return nil
		}
		result, err = reconcileTx(ctx, tx, participantID, *lastActiveAt)
		ran = err == nil
		return err
	})
	return result, ran, err
}

func reconcileTx(ctx context.Context, tx *sql.Tx, participantID string, endedAt time.Time) (ReconcileResult, error) {
	if _, err := tx.ExecContext(ctx, `
		SELECT 1 FROM task_sessions
		WHERE id IN (SELECT task_session_id FROM chat_threads WHERE participant_id=$1 AND status='ACTIVE')
		ORDER BY id
		FOR UPDATE
	`, participantID); err != nil {
		return ReconcileResult{}, classify(fmt.Errorf("lock task sessions: %w", err))
	}

	rows, err := tx.QueryContext(ctx, `
		UPDATE chat_threads SET status='CLOSED', close_reason='ABANDONED', closed_at=GREATEST(created_at, $2)
		WHERE participant_id=$1 AND status='ACTIVE'
		RETURNING task_session_id
	`, participantID, endedAt)
	if err != nil {
		return ReconcileResult{}, fmt.Errorf("close abandoned threads: %w", err)
	}
	result := ReconcileResult{SessionIDs: make([]string, 0)}
	seen := make(map[string]bool)
	for rows.Next() {
		var sessionID string
		if err := rows.Scan(&sessionID); err != nil {
			rows.Close()
			return ReconcileResult{}, fmt.Errorf("scan abandoned thread: %w", err)
		}
		result.ClosedThreads++
		if !seen[sessionID] {
			seen[sessionID] = true
			result.SessionIDs = append(result.SessionIDs, sessionID)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return ReconcileResult{}, err
	}
	rows.Close()

	for _, sessionID := range result.SessionIDs {
		capped, err := tx.ExecContext(ctx, `
			UPDATE task_sessions SET chat_ended_at=$2 WHERE id=$1 AND chat_ended_at IS NULL
		`, sessionID, endedAt)
		if err != nil {
			return ReconcileResult{}, fmt.Errorf("cap chat end: %w", err)
		}
		if affected, _ := capped.RowsAffected(); affected > 0 {
			result.CappedSessions++
		}

		var threadCount int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_threads WHERE task_session_id=$1`, sessionID).Scan(&threadCount); err != nil {
			return ReconcileResult{}, fmt.Errorf("count session threads: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_sessions SET chat_restart_count=$2 WHERE id=$1
		`, sessionID, usage.RestartCount(threadCount)); err != nil {
			return ReconcileResult{}, fmt.Errorf("recompute restart count: %w", err)
		}
	}
	return result, nil
}

// ListAbandonmentCandidates returns participants holding ACTIVE threads whose
// last activity is older than cutoff, oldest first.
func (s *PostgresStore) ListAbandonmentCandidates(ctx context.Context, cutoff time.Time, limit int) ([]AbandonmentCandidate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.last_active_at
		FROM participants p
		WHERE p.last_active_at < $1
			AND EXISTS (SELECT 1 FROM chat_threads t WHERE t.participant_id = p.id AND t.status = 'ACTIVE')
		ORDER BY p.last_active_at ASC
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list abandonment candidates: %w", err)
	}
	defer rows.Close()

	items := make([]AbandonmentCandidate, 0)
	for rows.Next() {
		var item AbandonmentCandidate
		if err := rows.Scan(&item.ParticipantID, &item.LastActiveAt); err != nil {
			return nil, fmt.Errorf("scan abandonment candidate: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

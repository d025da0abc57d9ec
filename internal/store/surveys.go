package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

const surveyColumns = `id, participant_id, phase, started_at, submitted_at`

func scanSurvey(row rowScanner) (SurveyInstance, error) {
	var si SurveyInstance
	err := row.Scan(&si.ID, &si.ParticipantID, &si.Phase, &si.StartedAt, &si.SubmittedAt)
	return si, err
}

// EnsureSurveyInstance creates or reuses the instance for (participant, phase).
func (s *PostgresStore) EnsureSurveyInstance(ctx context.Context, participantID, phase string, now time.Time) (SurveyInstance, bool, error) {
	si, err := scanSurvey(s.db.QueryRowContext(ctx, `
		INSERT INTO survey_instances (id, participant_id, phase, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (participant_id, phase) DO NOTHING
		RETURNING `+surveyColumns,
		util.NewID("srv"), participantID, phase, now))
	if err == nil {
		return si, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return SurveyInstance{}, false, fmt.Errorf("insert survey instance: %w", err)
	}
	si, err = scanSurvey(s.db.QueryRowContext(ctx, `
		SELECT `+surveyColumns+` FROM survey_instances WHERE participant_id=$1 AND phase=$2
	`, participantID, phase))
	if err != nil {
		return SurveyInstance{}, false, classify(err)
	}
	return si, false, nil
}

// SubmitSurvey stores the answers and marks the instance submitted. A second
// submission changes nothing and reports false.
func (s *PostgresStore) SubmitSurvey(ctx context.Context, instanceID string, answers []SurveyAnswer, now time.Time) (bool, error) {
	submitted := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, `
			UPDATE survey_instances SET submitted_at=$2 WHERE id=$1 AND submitted_at IS NULL RETURNING id
		`, instanceID, now).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("submit survey: %w", err)
		}
		for _, answer := range answers {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO survey_answers (instance_id, question_key, value, created_at)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (instance_id, question_key) DO NOTHING
			`, instanceID, answer.QuestionKey, answer.Value, now); err != nil {
				return fmt.Errorf("insert survey answer: %w", err)
			}
		}
		submitted = true
		return nil
	})
	return submitted, err
}

func (s *PostgresStore) ListSurveyInstances(ctx context.Context, participantID string) ([]SurveyInstance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+surveyColumns+` FROM survey_instances WHERE participant_id=$1 ORDER BY started_at
	`, participantID)
	if err != nil {
		return nil, fmt.Errorf("list survey instances: %w", err)
	}
	defer rows.Close()

	items := make([]SurveyInstance, 0)
	for rows.Next() {
		si, err := scanSurvey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan survey instance: %w", err)
		}
		items = append(items, si)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListSurveyAnswers(ctx context.Context, instanceID string) ([]SurveyAnswer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT question_key, value FROM survey_answers WHERE instance_id=$1 ORDER BY question_key
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("list survey answers: %w", err)
	}
	defer rows.Close()

	items := make([]SurveyAnswer, 0)
	for rows.Next() {
		var answer SurveyAnswer
		if err := rows.Scan(&answer.QuestionKey, &answer.Value); err != nil {
			return nil, fmt.Errorf("scan survey answer: %w", err)
		}
		items = append(items, answer)
	}
	return items, rows.Err()
}

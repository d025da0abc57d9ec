package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// withTx runs fn in a READ COMMITTED transaction and commits when fn returns nil.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

func (s *PostgresStore) CreateStudy(ctx context.Context, name string, taskCount int) (Study, error) {
	var study Study
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO studies (id, name, task_count)
		VALUES ($1, $2, $3)
		RETURNING id, name, status, task_count, created_at
	`, util.NewID("std"), name, taskCount).Scan(&study.ID, &study.Name, &study.Status, &study.TaskCount, &study.CreatedAt)
	if err != nil {
		return Study{}, fmt.Errorf("insert study: %w", err)
	}
	return study, nil
}

func (s *PostgresStore) GetStudy(ctx context.Context, studyID string) (Study, error) {
	var study Study
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, status, task_count, created_at FROM studies WHERE id=$1
	`, studyID).Scan(&study.ID, &study.Name, &study.Status, &study.TaskCount, &study.CreatedAt)
	if err != nil {
		return Study{}, classify(err)
	}
	return study, nil
}

func (s *PostgresStore) ListStudies(ctx context.Context) ([]Study, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, status, task_count, created_at FROM studies ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list studies: %w", err)
	}
	defer rows.Close()

	items := make([]Study, 0)
	for rows.Next() {
		var study Study
		if err := rows.Scan(&study.ID, &study.Name, &study.Status, &study.TaskCount, &study.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan study: %w", err)
		}
		items = append(items, study)
	}
	return items, rows.Err()
}

const researcherColumns = `id, email, display_name, password_hash, role, deactivated_at, created_at`

func scanResearcher(row rowScanner) (Researcher, error) {
	var r Researcher
	err := row.Scan(&r.ID, &r.Email, &r.DisplayName, &r.PasswordHash, &r.Role, &r.DeactivatedAt, &r.CreatedAt)
	return r, err
}

func (s *PostgresStore) CreateResearcher(ctx context.Context, email, displayName, passwordHash, role string) (Researcher, error) {
	r, err := scanResearcher(s.db.QueryRowContext(ctx, `
		INSERT INTO researchers (id, email, display_name, password_hash, role)
		VALUES ($1, LOWER($2), $3, $4, $5)
		RETURNING `+researcherColumns,
		util.NewID("res"), strings.TrimSpace(email), displayName, passwordHash, role))
	if err != nil {
		return Researcher{}, classify(fmt.Errorf("insert researcher: %w", err))
	}
	return r, nil
}

func (s *PostgresStore) GetResearcherByEmail(ctx context.Context, email string) (Researcher, error) {
	r, err := scanResearcher(s.db.QueryRowContext(ctx, `
		SELECT `+researcherColumns+` FROM researchers WHERE email=LOWER($1)
	`, strings.TrimSpace(email)))
	if err != nil {
		return Researcher{}, classify(err)
	}
	return r, nil
}

func (s *PostgresStore) GetResearcherByID(ctx context.Context, id string) (Researcher, error) {
	r, err := scanResearcher(s.db.QueryRowContext(ctx, `SELECT `+researcherColumns+` FROM researchers WHERE id=$1`, id))
	if err != nil {
		return Researcher{}, classify(err)
	}
	return r, nil
}

func (s *PostgresStore) CountResearchers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM researchers`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count researchers: %w", err)
	}
	return count, nil
}

const participantColumns = `id, access_code, study_id, variant, status, current_step, current_task_number,
	last_active_at, started_at, completed_at, reentry_count, created_at`

func scanParticipant(row rowScanner) (Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ID, &p.AccessCode, &p.StudyID, &p.Variant, &p.Status, &p.CurrentStep, &p.CurrentTaskNumber,
		&p.LastActiveAt, &p.StartedAt, &p.CompletedAt, &p.ReentryCount, &p.CreatedAt,
	)
	return p, err
}

func (s *PostgresStore) CreateParticipant(ctx context.Context, studyID, accessCode, variant string) (Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, `
		INSERT INTO participants (id, access_code, study_id, variant)
		VALUES ($1, $2, $3, $4)
		RETURNING `+participantColumns,
		util.NewID("prt"), accessCode, studyID, variant))
	if err != nil {
		return Participant{}, classify(fmt.Errorf("insert participant: %w", err))
	}
	return p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, id string) (Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE id=$1`, id))
	if err != nil {
		return Participant{}, classify(err)
	}
	return p, nil
}

func (s *PostgresStore) GetParticipantByAccessCode(ctx context.Context, accessCode string) (Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, `SELECT `+participantColumns+` FROM participants WHERE access_code=$1`, accessCode))
	if err != nil {
		return Participant{}, classify(err)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, studyID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+participantColumns+` FROM participants WHERE study_id=$1 ORDER BY created_at ASC, id ASC
	`, studyID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// TouchParticipant sets last_active_at to now and returns the value it replaced.
// The read and the write happen in one statement so concurrent heartbeats each
// observe a distinct previous value.
func (s *PostgresStore) TouchParticipant(ctx context.Context, id string, now time.Time) (*time.Time, error) {
	var prev *time.Time
	err := s.db.QueryRowContext(ctx, `
		UPDATE participants p
		SET last_active_at = $2
		FROM (SELECT id, last_active_at FROM participants WHERE id=$1 FOR UPDATE) prev
		WHERE p.id = prev.id
		RETURNING prev.last_active_at
	`, id, now).Scan(&prev)
	if err != nil {
		return nil, classify(fmt.Errorf("touch participant: %w", err))
	}
	return prev, nil
}

// StartParticipant records a login: the first one moves CREATED to STARTED,
// every later one counts as a re-entry.
func (s *PostgresStore) StartParticipant(ctx context.Context, id string, now time.Time) (Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, `
		UPDATE participants SET
			status = CASE WHEN status = 'CREATED' THEN 'STARTED' ELSE status END,
			started_at = COALESCE(started_at, $2),
			reentry_count = CASE WHEN status = 'CREATED' THEN reentry_count ELSE reentry_count + 1 END,
			last_active_at = $2
		WHERE id=$1 AND status NOT IN ('WITHDRAWN', 'INVALIDATED')
		RETURNING `+participantColumns,
		id, now))
	if err != nil {
		return Participant{}, classify(fmt.Errorf("start participant: %w", err))
	}
	return p, nil
}

// UpdateParticipantProgress writes routing state. Absorbing statuses are never
// left; ErrNotFound is returned when the participant is gone, absorbed or no
// longer at progress.FromStep.
func (s *PostgresStore) UpdateParticipantProgress(ctx context.Context, id string, progress ParticipantProgress) (Participant, error) {
	p, err := scanParticipant(s.db.QueryRowContext(ctx, `
		UPDATE participants SET
			status = $2,
			current_step = $3,
			current_task_number = $4,
			completed_at = COALESCE(completed_at, $5)
		WHERE id=$1 AND status NOT IN ('WITHDRAWN', 'INVALIDATED')
			AND ($6 = '' OR (current_step = $6 AND current_task_number IS NOT DISTINCT FROM $7))
		RETURNING `+participantColumns,
		id, progress.Status, progress.CurrentStep, progress.CurrentTaskNumber, progress.CompletedAt,
		progress.FromStep, progress.FromTaskNumber))
	if err != nil {
		return Participant{}, classify(fmt.Errorf("update participant progress: %w", err))
	}
	return p, nil
}

func (s *PostgresStore) WithdrawParticipant(ctx context.Context, id string) (bool, error) {
	return s.absorbParticipant(ctx, id, StatusWithdrawn)
}

func (s *PostgresStore) InvalidateParticipant(ctx context.Context, id string) (bool, error) {
	return s.absorbParticipant(ctx, id, StatusInvalidated)
}

func (s *PostgresStore) absorbParticipant(ctx context.Context, id, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE participants SET status=$2
		WHERE id=$1 AND status NOT IN ('WITHDRAWN', 'INVALIDATED')
	`, id, status)
	if err != nil {
		return false, fmt.Errorf("set participant %s: %w", strings.ToLower(status), err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected > 0 {
		return true, nil
	}
	if _, err := s.GetParticipant(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStore) CountParticipantsByStatus(ctx context.Context, studyID string) ([]StatusCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM participants WHERE study_id=$1 GROUP BY status ORDER BY status
	`, studyID)
	if err != nil {
		return nil, fmt.Errorf("count participants: %w", err)
	}
	defer rows.Close()

	items := make([]StatusCount, 0)
	for rows.Next() {
		var item StatusCount
		if err := rows.Scan(&item.Status, &item.Count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// prefixed qualifies every column of a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}

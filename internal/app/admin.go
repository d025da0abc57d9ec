package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/auth"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/authpw"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/export"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/rbac"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/search"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/timeliness"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

const (
	defaultTaskCount = 3
	maxTaskCount     = 10
	accessCodeLength = 8
)

// ResearcherSession is an authenticated management console caller.
type ResearcherSession struct {
	ResearcherID string
	Email        string
	DisplayName  string
	Role         rbac.Role
}

type AdminLoginResult struct {
	Token       string    `json:"token"`
	ExpiresAt   time.Time `json:"expiresAt"`
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
}

type StudyView struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	TaskCount int       `json:"taskCount"`
	CreatedAt time.Time `json:"createdAt"`
}

type ParticipantView struct {
	ID                string     `json:"id"`
	AccessCode        string     `json:"accessCode"`
	StudyID           string     `json:"studyId"`
	Variant           string     `json:"variant"`
	Status            string     `json:"status"`
	CurrentStep       string     `json:"currentStep"`
	CurrentTaskNumber *int       `json:"currentTaskNumber"`
	LastActiveAt      *time.Time `json:"lastActiveAt"`
	StartedAt         *time.Time `json:"startedAt"`
	CompletedAt       *time.Time `json:"completedAt"`
	ReentryCount      int        `json:"reentryCount"`
	CreatedAt         time.Time  `json:"createdAt"`
}

type ResearcherView struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
}

func studyView(st store.Study) StudyView {
	return StudyView{ID: st.ID, Name: st.Name, Status: st.Status, TaskCount: st.TaskCount, CreatedAt: st.CreatedAt}
}

func participantView(p store.Participant) ParticipantView {
	return ParticipantView{
		ID:                p.ID,
		AccessCode:        p.AccessCode,
		StudyID:           p.StudyID,
		Variant:           p.Variant,
		Status:            p.Status,
		CurrentStep:       p.CurrentStep,
		CurrentTaskNumber: p.CurrentTaskNumber,
		LastActiveAt:      p.LastActiveAt,
		StartedAt:         p.StartedAt,
		CompletedAt:       p.CompletedAt,
		ReentryCount:      p.ReentryCount,
		CreatedAt:         p.CreatedAt,
	}
}

func (s *Service) AdminLogin(ctx context.Context, email, password string) (AdminLoginResult, error) {
	researcher, err := s.passwd.SignIn(ctx, authpw.SignInRequest{Email: strings.ToLower(strings.TrimSpace(email)), Password: password})
	switch {
	case errors.Is(err, authpw.ErrInvalidCredentials):
		return AdminLoginResult{}, unauthorized("Invalid email or password")
	case errors.Is(err, authpw.ErrDeactivated):
		return AdminLoginResult{}, forbidden("Account deactivated")
	case err != nil:
		return AdminLoginResult{}, err
	}

	role := rbac.Normalize(researcher.Role)
	expiresAt := s.now().UTC().Add(s.cfg.ResearcherTTL)
	token, err := auth.IssueResearcherToken([]byte(s.cfg.ResearcherSecret), researcher.ID, researcher.Email, string(role), expiresAt)
	if err != nil {
		return AdminLoginResult{}, err
	}
	s.logger.Info("researcher signed in", "researcher_id", researcher.ID, "role", role)
	return AdminLoginResult{
		Token:       token,
		ExpiresAt:   expiresAt,
		ID:          researcher.ID,
		Email:       researcher.Email,
		DisplayName: researcher.DisplayName,
		Role:        string(role),
	}, nil
}

// ResearcherFromToken verifies a console token. The role is taken from the
// stored account, not the token, so demotions apply immediately.
func (s *Service) ResearcherFromToken(ctx context.Context, token string) (ResearcherSession, error) {
	claims, err := auth.ParseResearcherToken([]byte(s.cfg.ResearcherSecret), token)
	if err != nil {
		return ResearcherSession{}, unauthorized("Unauthorized")
	}
	researcher, err := s.store.GetResearcherByID(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return ResearcherSession{}, unauthorized("Unauthorized")
	}
	if err != nil {
		return ResearcherSession{}, err
	}
	if researcher.DeactivatedAt != nil {
		return ResearcherSession{}, unauthorized("Account deactivated")
	}
	return ResearcherSession{
		ResearcherID: researcher.ID,
		Email:        researcher.Email,
		DisplayName:  researcher.DisplayName,
		Role:         rbac.Normalize(researcher.Role),
	}, nil
}

func require(session ResearcherSession, action rbac.Action) error {
	if !rbac.Can(session.Role, action) {
		return forbidden("Insufficient role for this action")
	}
	return nil
}

func (s *Service) CreateStudy(ctx context.Context, session ResearcherSession, name string, taskCount int) (StudyView, error) {
	if err := require(session, rbac.ActionAdmin); err != nil {
		return StudyView{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return StudyView{}, validation("name is required")
	}
	if taskCount == 0 {
		taskCount = defaultTaskCount
	}
	if taskCount < 1 || taskCount > maxTaskCount {
		return StudyView{}, validation(fmt.Sprintf("taskCount must be between 1 and %d", maxTaskCount))
	}
	study, err := s.store.CreateStudy(ctx, name, taskCount)
	if err != nil {
		return StudyView{}, err
	}
	s.logger.Info("study created", "study_id", study.ID, "researcher_id", session.ResearcherID)
	return studyView(study), nil
}

func (s *Service) ListStudies(ctx context.Context, session ResearcherSession) ([]StudyView, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	studies, err := s.store.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]StudyView, 0, len(studies))
	for _, study := range studies {
		views = append(views, studyView(study))
	}
	return views, nil
}

func (s *Service) requireStudy(ctx context.Context, studyID string) (store.Study, error) {
	study, err := s.store.GetStudy(ctx, studyID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Study{}, notFound("Study not found")
	}
	return study, err
}

// CreateParticipant enrolls a participant under a freshly generated access
// code, retrying the rare code collision.
func (s *Service) CreateParticipant(ctx context.Context, session ResearcherSession, studyID, variant string) (ParticipantView, error) {
	if err := require(session, rbac.ActionManage); err != nil {
		return ParticipantView{}, err
	}
	if _, err := s.requireStudy(ctx, studyID); err != nil {
		return ParticipantView{}, err
	}
	participant, err := util.Retry(ctx, util.RetryPolicy{Attempts: 5}, isStoreConflict, func(int) (store.Participant, error) {
		return s.store.CreateParticipant(ctx, studyID, util.NewAccessCode(accessCodeLength), strings.TrimSpace(variant))
	})
	if err != nil {
		return ParticipantView{}, fmt.Errorf("create participant: %w", err)
	}
	s.logger.Info("participant created", "participant_id", participant.ID, "study_id", studyID, "researcher_id", session.ResearcherID)
	return participantView(participant), nil
}

func (s *Service) ListParticipants(ctx context.Context, session ResearcherSession, studyID string) ([]ParticipantView, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	if _, err := s.requireStudy(ctx, studyID); err != nil {
		return nil, err
	}
	participants, err := s.store.ListParticipants(ctx, studyID)
	if err != nil {
		return nil, err
	}
	views := make([]ParticipantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView(p))
	}
	return views, nil
}

// InvalidateParticipant excludes a participant's data from the study. An
// already absorbed participant is left as it is.
func (s *Service) InvalidateParticipant(ctx context.Context, session ResearcherSession, participantID string) (ParticipantView, error) {
	if err := require(session, rbac.ActionManage); err != nil {
		return ParticipantView{}, err
	}
	changed, err := s.store.InvalidateParticipant(ctx, participantID)
	if err != nil {
		return ParticipantView{}, err
	}
	participant, err := s.store.GetParticipant(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return ParticipantView{}, notFound("Participant not found")
	}
	if err != nil {
		return ParticipantView{}, err
	}
	if changed {
		s.logger.Info("participant invalidated", "participant_id", participantID, "researcher_id", session.ResearcherID)
	}
	return participantView(participant), nil
}

type CreateResearcherInput struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`
}

func (s *Service) CreateResearcher(ctx context.Context, session ResearcherSession, input CreateResearcherInput) (ResearcherView, error) {
	if err := require(session, rbac.ActionAdmin); err != nil {
		return ResearcherView{}, err
	}
	if !strings.Contains(input.Email, "@") {
		return ResearcherView{}, validation("a valid email is required")
	}
	if input.Role != "" && !rbac.Valid(input.Role) {
		return ResearcherView{}, validation("role must be viewer, manager or admin")
	}
	researcher, err := s.passwd.Register(ctx, authpw.RegisterRequest{
		Email:       input.Email,
		Password:    input.Password,
		DisplayName: input.DisplayName,
		Role:        input.Role,
	})
	switch {
	case errors.Is(err, authpw.ErrWeakPassword):
		return ResearcherView{}, validation(err.Error())
	case errors.Is(err, authpw.ErrEmailTaken):
		return ResearcherView{}, conflict(err.Error())
	case err != nil:
		return ResearcherView{}, err
	}
	return ResearcherView{
		ID:          researcher.ID,
		Email:       researcher.Email,
		DisplayName: researcher.DisplayName,
		Role:        researcher.Role,
		CreatedAt:   researcher.CreatedAt,
	}, nil
}

func (s *Service) Dashboard(ctx context.Context, session ResearcherSession, studyID string) (DashboardView, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return DashboardView{}, err
	}
	return s.buildDashboard(ctx, studyID)
}

func (s *Service) ParticipantUsage(ctx context.Context, session ResearcherSession, participantID string) (ParticipantUsageView, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return ParticipantUsageView{}, err
	}
	return s.participantUsage(ctx, participantID)
}

func (s *Service) Transcript(ctx context.Context, session ResearcherSession, participantID string) (TranscriptView, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return TranscriptView{}, err
	}
	return s.transcript(ctx, participantID)
}

func (s *Service) Sweep(ctx context.Context, session ResearcherSession) (SweepResult, error) {
	if err := require(session, rbac.ActionManage); err != nil {
		return SweepResult{}, err
	}
	return s.SweepAbandoned(ctx, true)
}

func (s *Service) Export(ctx context.Context, session ResearcherSession, studyID, format string) (*export.Result, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return nil, err
	}
	parsed, err := export.ParseFormat(format)
	if err != nil {
		return nil, validation("format must be csv or json")
	}
	if _, err := s.requireStudy(ctx, studyID); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, export.Request{StudyID: studyID, Format: parsed})
}

func (s *Service) ArchiveExport(ctx context.Context, session ResearcherSession, studyID string) (export.ArchiveResult, error) {
	if err := require(session, rbac.ActionManage); err != nil {
		return export.ArchiveResult{}, err
	}
	if _, err := s.requireStudy(ctx, studyID); err != nil {
		return export.ArchiveResult{}, err
	}
	result, err := s.exporter.Archive(ctx, export.Request{StudyID: studyID, Format: export.FormatCSV})
	if errors.Is(err, export.ErrArchiveDisabled) {
		return export.ArchiveResult{}, domainError(http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Export archive is not configured", nil)
	}
	if err != nil {
		return export.ArchiveResult{}, err
	}
	s.logger.Info("export archived", "study_id", studyID, "key", result.Key, "rows", result.Rows)
	return result, nil
}

func (s *Service) Search(ctx context.Context, session ResearcherSession, q search.Query) (search.Response, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return search.Response{}, validation("q is required")
	}
	if s.searcher == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_DISABLED", "Transcript search is not configured", nil)
	}
	if q.Role != "" {
		role, ok := normalizeRole(q.Role)
		if !ok {
			return search.Response{}, validation("role must be one of human, ai, tool, system")
		}
		q.Role = role
	}
	return s.searcher.Search(ctx, q), nil
}

func (s *Service) Timeliness(_ context.Context, session ResearcherSession, footprint timeliness.Footprint) (timeliness.Result, error) {
	if err := require(session, rbac.ActionRead); err != nil {
		return timeliness.Result{}, err
	}
	return timeliness.Evaluate(footprint), nil
}

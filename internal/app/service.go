package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/authpw"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/config"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/export"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/lease"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/search"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

type dataStore interface {
	Ping(context.Context) error

	CreateStudy(context.Context, string, int) (store.Study, error)
	GetStudy(context.Context, string) (store.Study, error)
	ListStudies(context.Context) ([]store.Study, error)

	GetResearcherByEmail(context.Context, string) (store.Researcher, error)
	GetResearcherByID(context.Context, string) (store.Researcher, error)
	CreateResearcher(context.Context, string, string, string, string) (store.Researcher, error)
	CountResearchers(context.Context) (int, error)

	CreateParticipant(context.Context, string, string, string) (store.Participant, error)
	GetParticipant(context.Context, string) (store.Participant, error)
	GetParticipantByAccessCode(context.Context, string) (store.Participant, error)
	ListParticipants(context.Context, string) ([]store.Participant, error)
	TouchParticipant(context.Context, string, time.Time) (*time.Time, error)
	StartParticipant(context.Context, string, time.Time) (store.Participant, error)
	UpdateParticipantProgress(context.Context, string, store.ParticipantProgress) (store.Participant, error)
	WithdrawParticipant(context.Context, string) (bool, error)
	InvalidateParticipant(context.Context, string) (bool, error)
	CountParticipantsByStatus(context.Context, string) ([]store.StatusCount, error)

	EnsureTaskSession(context.Context, string, int, time.Time) (store.TaskSession, bool, error)
	GetTaskSession(context.Context, string, int) (store.TaskSession, error)
	ListTaskSessions(context.Context, string) ([]store.TaskSession, error)
	ListStudyTaskSessions(context.Context, string) ([]store.TaskSession, error)
	MarkReadyToAnswer(context.Context, string, int, time.Time) (store.TaskSession, error)
	MarkPostSurveySubmitted(context.Context, string, int, time.Time) error
	OpenSidePanel(context.Context, string, time.Time) (bool, error)
	CloseSidePanel(context.Context, string, time.Time) (bool, error)
	GetOpenSidePanelSpan(context.Context, string) (*store.SidePanelSpan, error)
	ListOpenSidePanelSpans(context.Context, string) (map[string]store.SidePanelSpan, error)

	GetThreadByExternalID(context.Context, string) (store.ChatThread, error)
	EnsureThread(context.Context, store.NewThread) (store.ChatThread, bool, error)
	FindMessageByExternalID(context.Context, string) (store.ChatMessage, error)
	InsertMessage(context.Context, store.NewMessage) (store.ChatMessage, error)
	CloseThread(context.Context, string, string, time.Time) (store.ChatThread, error)
	ListParticipantThreads(context.Context, string) ([]store.ChatThread, error)
	ListStudyThreads(context.Context, string) ([]store.ChatThread, error)
	ListMessages(context.Context, string) ([]store.ChatMessage, error)

	ReconcileAbandoned(context.Context, string, time.Time) (store.ReconcileResult, error)
	ReconcileIdleParticipant(context.Context, string, time.Time) (store.ReconcileResult, bool, error)
	ListAbandonmentCandidates(context.Context, time.Time, int) ([]store.AbandonmentCandidate, error)

	EnsureSurveyInstance(context.Context, string, string, time.Time) (store.SurveyInstance, bool, error)
	SubmitSurvey(context.Context, string, []store.SurveyAnswer, time.Time) (bool, error)
	ListSurveyInstances(context.Context, string) ([]store.SurveyInstance, error)
}

// messageIndexer receives every newly persisted chat message.
type messageIndexer interface {
	IndexMessage(search.MessageRecord)
}

type transcriptSearcher interface {
	Search(context.Context, search.Query) search.Response
}

// Options carries the optional integrations. Nil fields disable them.
type Options struct {
	Search   *search.Service
	Lease    lease.Lease
	Archiver export.Archiver
}

type Service struct {
	cfg      config.Config
	store    dataStore
	logger   *slog.Logger
	now      func() time.Time
	passwd   *authpw.Service
	exporter *export.Service
	lease    lease.Lease
	indexer  messageIndexer
	searcher transcriptSearcher

	threadRetry  util.RetryPolicy
	messageRetry util.RetryPolicy
}

func New(cfg config.Config, dataStore *store.PostgresStore, logger *slog.Logger, opts Options) *Service {
	return newService(cfg, dataStore, logger, opts)
}

func newService(cfg config.Config, st dataStore, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = util.DiscardLogger()
	}
	svc := &Service{
		cfg:          cfg,
		store:        st,
		logger:       logger,
		now:          time.Now,
		passwd:       authpw.NewService(st),
		lease:        opts.Lease,
		threadRetry:  util.RetryPolicy{Attempts: 10, Delay: 25 * time.Millisecond},
		messageRetry: util.RetryPolicy{Attempts: 5, Delay: 10 * time.Millisecond},
	}
	if svc.lease == nil {
		svc.lease = lease.NewLocal()
	}
	if opts.Search != nil {
		svc.indexer = opts.Search
		svc.searcher = opts.Search
	}
	svc.exporter = export.NewService(svc, opts.Archiver)
	return svc
}

// Bootstrap creates the configured admin researcher on an empty install.
func (s *Service) Bootstrap(ctx context.Context) error {
	created, err := s.passwd.EnsureAdmin(ctx, s.cfg.AdminEmail, s.cfg.AdminPassword)
	if err != nil {
		return err
	}
	if created {
		s.logger.Info("bootstrap: created admin researcher", "email", s.cfg.AdminEmail)
	}
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

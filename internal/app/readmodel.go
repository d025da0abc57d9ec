package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/export"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/usage"
)

// threadStats groups the threads of each task session.
type threadStats struct {
	counts       map[string]int
	abandoned    map[string]int
	closeReasons map[string]int
}

func collectThreadStats(threads []store.ChatThread) threadStats {
	stats := threadStats{
		counts:       make(map[string]int),
		abandoned:    make(map[string]int),
		closeReasons: make(map[string]int),
	}
	for _, thread := range threads {
		stats.counts[thread.TaskSessionID]++
		if thread.Status != store.ThreadClosed {
			continue
		}
		stats.closeReasons[thread.CloseReason]++
		if thread.CloseReason == store.CloseAbandoned {
			stats.abandoned[thread.TaskSessionID]++
		}
	}
	return stats
}

func sessionInput(ts store.TaskSession, p store.Participant, threadCount int, openSpan *store.SidePanelSpan) usage.SessionInput {
	in := usage.SessionInput{
		TaskSessionID:           ts.ID,
		ParticipantID:           ts.ParticipantID,
		TaskNumber:              ts.TaskNumber,
		StartedAt:               ts.StartedAt,
		ChatStartedAt:           ts.ChatStartedAt,
		ChatEndedAt:             ts.ChatEndedAt,
		ReadyToAnswerAt:         ts.ReadyToAnswerAt,
		PostSurveyStartedAt:     ts.PostSurveyStartedAt,
		PostSurveySubmittedAt:   ts.PostSurveySubmittedAt,
		HasChatted:              ts.HasChattedAtLeastOnce,
		UserMessageCount:        ts.UserMessageCount,
		AssistantMessageCount:   ts.AssistantMessageCount,
		StoredRestartCount:      ts.ChatRestartCount,
		ThreadCount:             threadCount,
		SidePanelOpenCount:      ts.SidePanelOpenCount,
		SidePanelCloseCount:     ts.SidePanelCloseCount,
		SidePanelOpenMs:         ts.SidePanelOpenMs,
		ParticipantCompletedAt:  p.CompletedAt,
		ParticipantLastActiveAt: p.LastActiveAt,
	}
	if openSpan != nil {
		openedAt := openSpan.OpenedAt
		in.OpenSpanSince = &openedAt
	}
	return in
}

// studySnapshot is every row the study read models need, read without a
// shared transaction. The aggregator tolerates the skew.
type studySnapshot struct {
	participants map[string]store.Participant
	order        []store.Participant
	sessions     []store.TaskSession
	threads      threadStats
	openSpans    map[string]store.SidePanelSpan
}

func (s *Service) loadStudySnapshot(ctx context.Context, studyID string) (studySnapshot, error) {
	participants, err := s.store.ListParticipants(ctx, studyID)
	if err != nil {
		return studySnapshot{}, fmt.Errorf("list participants: %w", err)
	}
	sessions, err := s.store.ListStudyTaskSessions(ctx, studyID)
	if err != nil {
		return studySnapshot{}, fmt.Errorf("list task sessions: %w", err)
	}
	threads, err := s.store.ListStudyThreads(ctx, studyID)
	if err != nil {
		return studySnapshot{}, fmt.Errorf("list threads: %w", err)
	}
	openSpans, err := s.store.ListOpenSidePanelSpans(ctx, studyID)
	if err != nil {
		return studySnapshot{}, fmt.Errorf("list open side panel spans: %w", err)
	}
	snapshot := studySnapshot{
		participants: make(map[string]store.Participant, len(participants)),
		order:        participants,
		sessions:     sessions,
		threads:      collectThreadStats(threads),
		openSpans:    openSpans,
	}
	for _, p := range participants {
		snapshot.participants[p.ID] = p
	}
	return snapshot, nil
}

func (snap studySnapshot) summarize(now time.Time) []usage.SessionUsage {
	items := make([]usage.SessionUsage, 0, len(snap.sessions))
	for _, ts := range snap.sessions {
		var openSpan *store.SidePanelSpan
		if span, ok := snap.openSpans[ts.ID]; ok {
			openSpan = &span
		}
		in := sessionInput(ts, snap.participants[ts.ParticipantID], snap.threads.counts[ts.ID], openSpan)
		items = append(items, usage.Summarize(in, now))
	}
	return items
}

type DashboardView struct {
	StudyID   string          `json:"studyId"`
	StudyName string          `json:"studyName"`
	TaskCount int             `json:"taskCount"`
	KPIs      usage.Dashboard `json:"kpis"`
	AsOf      time.Time       `json:"asOf"`
}

func (s *Service) buildDashboard(ctx context.Context, studyID string) (DashboardView, error) {
	study, err := s.store.GetStudy(ctx, studyID)
	if errors.Is(err, store.ErrNotFound) {
		return DashboardView{}, notFound("Study not found")
	}
	if err != nil {
		return DashboardView{}, err
	}
	counts, err := s.store.CountParticipantsByStatus(ctx, studyID)
	if err != nil {
		return DashboardView{}, fmt.Errorf("count participants: %w", err)
	}
	byStatus := make(map[string]int, len(counts))
	for _, c := range counts {
		byStatus[c.Status] = c.Count
	}
	snapshot, err := s.loadStudySnapshot(ctx, studyID)
	if err != nil {
		return DashboardView{}, err
	}
	now := s.now().UTC()
	return DashboardView{
		StudyID:   study.ID,
		StudyName: study.Name,
		TaskCount: study.TaskCount,
		KPIs:      usage.BuildDashboard(byStatus, snapshot.summarize(now), snapshot.threads.closeReasons),
		AsOf:      now,
	}, nil
}

type ParticipantUsageView struct {
	Participant ParticipantState     `json:"participant"`
	Sessions    []usage.SessionUsage `json:"sessions"`
}

func (s *Service) participantUsage(ctx context.Context, participantID string) (ParticipantUsageView, error) {
	p, err := s.store.GetParticipant(ctx, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return ParticipantUsageView{}, notFound("Participant not found")
	}
	if err != nil {
		return ParticipantUsageView{}, err
	}
	sessions, err := s.store.ListTaskSessions(ctx, participantID)
	if err != nil {
		return ParticipantUsageView{}, fmt.Errorf("list task sessions: %w", err)
	}
	threads, err := s.store.ListParticipantThreads(ctx, participantID)
	if err != nil {
		return ParticipantUsageView{}, fmt.Errorf("list threads: %w", err)
	}
	stats := collectThreadStats(threads)
	now := s.now().UTC()
	view := ParticipantUsageView{Participant: stateOf(p), Sessions: make([]usage.SessionUsage, 0, len(sessions))}
	for _, ts := range sessions {
		openSpan, err := s.store.GetOpenSidePanelSpan(ctx, ts.ID)
		if err != nil {
			return ParticipantUsageView{}, fmt.Errorf("open side panel span: %w", err)
		}
		view.Sessions = append(view.Sessions, usage.Summarize(sessionInput(ts, p, stats.counts[ts.ID], openSpan), now))
	}
	return view, nil
}

type TranscriptThread struct {
	ThreadView
	Messages []MessageView `json:"messages"`
}

type TranscriptView struct {
	ParticipantID string             `json:"participantId"`
	Threads       []TranscriptThread `json:"threads"`
}

func (s *Service) transcript(ctx context.Context, participantID string) (TranscriptView, error) {
	if _, err := s.store.GetParticipant(ctx, participantID); errors.Is(err, store.ErrNotFound) {
		return TranscriptView{}, notFound("Participant not found")
	} else if err != nil {
		return TranscriptView{}, err
	}
	threads, err := s.store.ListParticipantThreads(ctx, participantID)
	if err != nil {
		return TranscriptView{}, fmt.Errorf("list threads: %w", err)
	}
	view := TranscriptView{ParticipantID: participantID, Threads: make([]TranscriptThread, 0, len(threads))}
	for _, thread := range threads {
		messages, err := s.store.ListMessages(ctx, thread.ID)
		if err != nil {
			return TranscriptView{}, fmt.Errorf("list messages: %w", err)
		}
		item := TranscriptThread{ThreadView: threadView(thread), Messages: make([]MessageView, 0, len(messages))}
		for _, message := range messages {
			item.Messages = append(item.Messages, messageView(message))
		}
		view.Threads = append(view.Threads, item)
	}
	return view, nil
}

// StudyExportRows flattens a study into one row per task session.
// Participants who never reached a task get a single row with task 0.
func (s *Service) StudyExportRows(ctx context.Context, studyID string) ([]export.Row, error) {
	snapshot, err := s.loadStudySnapshot(ctx, studyID)
	if err != nil {
		return nil, err
	}
	summaries := snapshot.summarize(s.now().UTC())
	byParticipant := make(map[string][]usage.SessionUsage, len(snapshot.order))
	for _, summary := range summaries {
		byParticipant[summary.ParticipantID] = append(byParticipant[summary.ParticipantID], summary)
	}

	rows := make([]export.Row, 0, len(summaries)+len(snapshot.order))
	for _, p := range snapshot.order {
		base := export.Row{
			StudyID:       p.StudyID,
			ParticipantID: p.ID,
			AccessCode:    p.AccessCode,
			Variant:       p.Variant,
			Status:        p.Status,
			CurrentStep:   p.CurrentStep,
			ReentryCount:  p.ReentryCount,
		}
		sessions := byParticipant[p.ID]
		if len(sessions) == 0 {
			rows = append(rows, base)
			continue
		}
		for _, u := range sessions {
			row := base
			row.TaskNumber = u.TaskNumber
			row.HasChatted = u.HasChatted
			row.UserMessageCount = u.UserMessageCount
			row.AssistantMessageCount = u.AssistantMessageCount
			row.ThreadCount = u.ThreadCount
			row.RestartCount = u.RestartCount
			row.AbandonedThreads = snapshot.threads.abandoned[u.TaskSessionID]
			row.ChatDurationMs = u.ChatDurationMs
			row.PostSurveyDurationMs = u.PostSurveyDurationMs
			row.TaskDurationMs = u.TaskDurationMs
			row.SidePanelOpenCount = u.SidePanelOpenCount
			row.SidePanelCloseCount = u.SidePanelCloseCount
			row.SidePanelOpenMs = u.SidePanelOpenMs
			row.SidePanelLeftOpen = u.SidePanelLeftOpen
			rows = append(rows, row)
		}
	}
	return rows, nil
}

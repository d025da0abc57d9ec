package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
)

// TaskSessionView is the participant-facing shape of a task session.
type TaskSessionView struct {
	ID                    string     `json:"id"`
	TaskNumber            int        `json:"taskNumber"`
	StartedAt             time.Time  `json:"startedAt"`
	ChatStartedAt         *time.Time `json:"chatStartedAt"`
	ChatEndedAt           *time.Time `json:"chatEndedAt"`
	ReadyToAnswerAt       *time.Time `json:"readyToAnswerAt"`
	PostSurveyStartedAt   *time.Time `json:"postSurveyStartedAt"`
	PostSurveySubmittedAt *time.Time `json:"postSurveySubmittedAt"`
	HasChatted            bool       `json:"hasChatted"`
	UserMessageCount      int        `json:"userMessageCount"`
	AssistantMessageCount int        `json:"assistantMessageCount"`
	ChatRestartCount      int        `json:"chatRestartCount"`
	SidePanelOpenCount    int        `json:"sidePanelOpenCount"`
	SidePanelCloseCount   int        `json:"sidePanelCloseCount"`
	SidePanelOpenMs       int64      `json:"sidePanelOpenMs"`
}

func taskSessionView(ts store.TaskSession) TaskSessionView {
	return TaskSessionView{
		ID:                    ts.ID,
		TaskNumber:            ts.TaskNumber,
		StartedAt:             ts.StartedAt,
		ChatStartedAt:         ts.ChatStartedAt,
		ChatEndedAt:           ts.ChatEndedAt,
		ReadyToAnswerAt:       ts.ReadyToAnswerAt,
		PostSurveyStartedAt:   ts.PostSurveyStartedAt,
		PostSurveySubmittedAt: ts.PostSurveySubmittedAt,
		HasChatted:            ts.HasChattedAtLeastOnce,
		UserMessageCount:      ts.UserMessageCount,
		AssistantMessageCount: ts.AssistantMessageCount,
		ChatRestartCount:      ts.ChatRestartCount,
		SidePanelOpenCount:    ts.SidePanelOpenCount,
		SidePanelCloseCount:   ts.SidePanelCloseCount,
		SidePanelOpenMs:       ts.SidePanelOpenMs,
	}
}

type SurveySubmitInput struct {
	Phase      string
	TaskNumber *int
	Answers    map[string]json.RawMessage
}

type SurveySubmitResult struct {
	Submitted        bool             `json:"submitted"`
	AlreadySubmitted bool             `json:"alreadySubmitted"`
	State            ParticipantState `json:"state"`
}

type TaskResult struct {
	Created bool             `json:"created"`
	Session TaskSessionView  `json:"session"`
	State   ParticipantState `json:"state"`
}

type SidePanelResult struct {
	Action  string          `json:"action"`
	Changed bool            `json:"changed"`
	Session TaskSessionView `json:"session"`
}

func redirectFor(p store.Participant) string {
	task := 1
	if p.CurrentTaskNumber != nil {
		task = *p.CurrentTaskNumber
	}
	if p.Status == store.StatusCompleted {
		return "/study/done"
	}
	switch p.CurrentStep {
	case store.StepPreSurvey:
		return "/study/pre-survey"
	case store.StepTaskChat:
		return fmt.Sprintf("/study/task/%d", task)
	case store.StepPostSurvey:
		return fmt.Sprintf("/study/task/%d/post-survey", task)
	case store.StepFinalSurvey:
		return "/study/final-survey"
	default:
		return "/study/done"
	}
}

func atTask(p store.Participant, step string, taskNumber int) bool {
	return p.CurrentStep == step && p.CurrentTaskNumber != nil && *p.CurrentTaskNumber == taskNumber
}

func intPtr(v int) *int {
	return &v
}

func activeStatus(status string) string {
	if status == store.StatusCreated {
		return store.StatusStarted
	}
	return status
}

// advance moves p from its current step to next. Losing the race to a
// concurrent transition is not an error; the fresh participant is returned.
func (s *Service) advance(ctx context.Context, p store.Participant, next store.ParticipantProgress) (store.Participant, error) {
	next.FromStep = p.CurrentStep
	next.FromTaskNumber = p.CurrentTaskNumber
	updated, err := s.store.UpdateParticipantProgress(ctx, p.ID, next)
	if errors.Is(err, store.ErrNotFound) {
		current, getErr := s.store.GetParticipant(ctx, p.ID)
		if getErr != nil {
			return store.Participant{}, getErr
		}
		if isAbsorbing(current.Status) {
			return store.Participant{}, forbidden("Participation has ended")
		}
		return current, nil
	}
	return updated, err
}

func surveyPhaseKey(phase string, taskNumber int) string {
	if phase == store.PhasePostTask {
		return store.PhasePostTask + "_" + strconv.Itoa(taskNumber)
	}
	return phase
}

func surveyAnswers(raw map[string]json.RawMessage) []store.SurveyAnswer {
	keys := make([]string, 0, len(raw))
	for key := range raw {
		if strings.TrimSpace(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	answers := make([]store.SurveyAnswer, 0, len(keys))
	for _, key := range keys {
		answers = append(answers, store.SurveyAnswer{QuestionKey: strings.TrimSpace(key), Value: string(raw[key])})
	}
	return answers
}

// SubmitSurvey records the survey of the participant's current step and moves
// the flow forward. Re-submitting an already submitted phase is a success.
func (s *Service) SubmitSurvey(ctx context.Context, p store.Participant, input SurveySubmitInput) (SurveySubmitResult, error) {
	phase := strings.ToUpper(strings.TrimSpace(input.Phase))
	taskNumber := 0
	var expected bool
	switch phase {
	case store.PhasePre:
		expected = p.CurrentStep == store.StepPreSurvey
	case store.PhaseFinal:
		expected = p.CurrentStep == store.StepFinalSurvey
	case store.PhasePostTask:
		switch {
		case input.TaskNumber != nil:
			taskNumber = *input.TaskNumber
		case p.CurrentTaskNumber != nil:
			taskNumber = *p.CurrentTaskNumber
		default:
			return SurveySubmitResult{}, validation("taskNumber is required")
		}
		expected = atTask(p, store.StepPostSurvey, taskNumber)
	default:
		return SurveySubmitResult{}, validation("phase must be PRE, POST_TASK or FINAL")
	}
	key := surveyPhaseKey(phase, taskNumber)

	if !expected {
		submitted, err := s.surveySubmitted(ctx, p.ID, key)
		if err != nil {
			return SurveySubmitResult{}, err
		}
		if submitted {
			return SurveySubmitResult{AlreadySubmitted: true, State: stateOf(p)}, nil
		}
		return SurveySubmitResult{}, wrongStep(redirectFor(p))
	}

	now := s.now().UTC()
	instance, _, err := s.store.EnsureSurveyInstance(ctx, p.ID, key, now)
	if err != nil {
		return SurveySubmitResult{}, fmt.Errorf("ensure survey instance: %w", err)
	}
	submitted, err := s.store.SubmitSurvey(ctx, instance.ID, surveyAnswers(input.Answers), now)
	if err != nil {
		return SurveySubmitResult{}, fmt.Errorf("submit survey: %w", err)
	}

	next := store.ParticipantProgress{Status: activeStatus(p.Status)}
	switch phase {
	case store.PhasePre:
		next.CurrentStep = store.StepTaskChat
		next.CurrentTaskNumber = intPtr(1)
	case store.PhasePostTask:
		if err := s.store.MarkPostSurveySubmitted(ctx, p.ID, taskNumber, now); err != nil && !errors.Is(err, store.ErrNotFound) {
			return SurveySubmitResult{}, fmt.Errorf("mark post survey submitted: %w", err)
		}
		study, err := s.store.GetStudy(ctx, p.StudyID)
		if err != nil {
			return SurveySubmitResult{}, fmt.Errorf("load study: %w", err)
		}
		if taskNumber >= study.TaskCount {
			next.CurrentStep = store.StepFinalSurvey
		} else {
			next.CurrentStep = store.StepTaskChat
			next.CurrentTaskNumber = intPtr(taskNumber + 1)
		}
	case store.PhaseFinal:
		next.Status = store.StatusCompleted
		next.CurrentStep = store.StepDone
		next.CompletedAt = &now
	}

	updated, err := s.advance(ctx, p, next)
	if err != nil {
		return SurveySubmitResult{}, err
	}
	return SurveySubmitResult{Submitted: submitted, AlreadySubmitted: !submitted, State: stateOf(updated)}, nil
}

func (s *Service) surveySubmitted(ctx context.Context, participantID, phase string) (bool, error) {
	instances, err := s.store.ListSurveyInstances(ctx, participantID)
	if err != nil {
		return false, err
	}
	for _, instance := range instances {
		if instance.Phase == phase && instance.SubmittedAt != nil {
			return true, nil
		}
	}
	return false, nil
}

// StartTask creates or reuses the task session of the participant's current task.
func (s *Service) StartTask(ctx context.Context, p store.Participant, taskNumber int) (TaskResult, error) {
	if !atTask(p, store.StepTaskChat, taskNumber) {
		return TaskResult{}, wrongStep(redirectFor(p))
	}
	session, created, err := s.store.EnsureTaskSession(ctx, p.ID, taskNumber, s.now().UTC())
	if err != nil {
		return TaskResult{}, fmt.Errorf("ensure task session: %w", err)
	}
	return TaskResult{Created: created, Session: taskSessionView(session), State: stateOf(p)}, nil
}

// Ready ends the chat phase of a task and opens its post-task survey.
func (s *Service) Ready(ctx context.Context, p store.Participant, taskNumber int) (TaskResult, error) {
	if atTask(p, store.StepPostSurvey, taskNumber) {
		session, err := s.store.GetTaskSession(ctx, p.ID, taskNumber)
		if err != nil {
			return TaskResult{}, err
		}
		return TaskResult{Session: taskSessionView(session), State: stateOf(p)}, nil
	}
	if !atTask(p, store.StepTaskChat, taskNumber) {
		return TaskResult{}, wrongStep(redirectFor(p))
	}

	now := s.now().UTC()
	if _, _, err := s.store.EnsureTaskSession(ctx, p.ID, taskNumber, now); err != nil {
		return TaskResult{}, fmt.Errorf("ensure task session: %w", err)
	}
	session, err := s.store.MarkReadyToAnswer(ctx, p.ID, taskNumber, now)
	if err != nil {
		return TaskResult{}, fmt.Errorf("mark ready: %w", err)
	}
	updated, err := s.advance(ctx, p, store.ParticipantProgress{
		Status:            activeStatus(p.Status),
		CurrentStep:       store.StepPostSurvey,
		CurrentTaskNumber: intPtr(taskNumber),
	})
	if err != nil {
		return TaskResult{}, err
	}
	return TaskResult{Session: taskSessionView(session), State: stateOf(updated)}, nil
}

// SidePanel records an open or close of the auxiliary panel. Repeating the
// current state is a no-op.
func (s *Service) SidePanel(ctx context.Context, p store.Participant, taskNumber int, action string) (SidePanelResult, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	if action != "open" && action != "close" {
		return SidePanelResult{}, validation("action must be open or close")
	}
	if !atTask(p, store.StepTaskChat, taskNumber) && !atTask(p, store.StepPostSurvey, taskNumber) {
		return SidePanelResult{}, wrongStep(redirectFor(p))
	}
	session, err := s.store.GetTaskSession(ctx, p.ID, taskNumber)
	if errors.Is(err, store.ErrNotFound) {
		return SidePanelResult{}, notFound("Task session not started")
	}
	if err != nil {
		return SidePanelResult{}, err
	}

	now := s.now().UTC()
	var changed bool
	if action == "open" {
		changed, err = s.store.OpenSidePanel(ctx, session.ID, now)
	} else {
		changed, err = s.store.CloseSidePanel(ctx, session.ID, now)
	}
	if err != nil {
		return SidePanelResult{}, fmt.Errorf("side panel %s: %w", action, err)
	}
	if changed {
		if session, err = s.store.GetTaskSession(ctx, p.ID, taskNumber); err != nil {
			return SidePanelResult{}, err
		}
	}
	return SidePanelResult{Action: action, Changed: changed, Session: taskSessionView(session)}, nil
}

// Withdraw ends participation. WITHDRAWN is absorbing.
func (s *Service) Withdraw(ctx context.Context, p store.Participant) (ParticipantState, error) {
	if _, err := s.store.WithdrawParticipant(ctx, p.ID); err != nil {
		return ParticipantState{}, err
	}
	updated, err := s.store.GetParticipant(ctx, p.ID)
	if err != nil {
		return ParticipantState{}, err
	}
	s.logger.Info("participant withdrew", "participant_id", p.ID, "step", p.CurrentStep)
	return stateOf(updated), nil
}

// TaskSessions lists the participant's task sessions for the state view.
func (s *Service) TaskSessions(ctx context.Context, p store.Participant) ([]TaskSessionView, error) {
	sessions, err := s.store.ListTaskSessions(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	views := make([]TaskSessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, taskSessionView(session))
	}
	return views, nil
}

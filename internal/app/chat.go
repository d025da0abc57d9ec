package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/search"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

type AppendMessageInput struct {
	ThreadExternalID  string          `json:"threadId"`
	MessageExternalID string          `json:"messageId"`
	Role              string          `json:"role"`
	Content           string          `json:"content"`
	ToolMetadata      json.RawMessage `json:"toolMetadata"`
	TaskNumber        *int            `json:"taskNumber"`
}

type ThreadView struct {
	ExternalID   string     `json:"externalId"`
	TaskNumber   int        `json:"taskNumber"`
	Status       string     `json:"status"`
	CloseReason  string     `json:"closeReason,omitempty"`
	RestartIndex int        `json:"restartIndex"`
	CreatedAt    time.Time  `json:"createdAt"`
	ClosedAt     *time.Time `json:"closedAt"`
}

type MessageView struct {
	ID                string          `json:"id"`
	ThreadExternalID  string          `json:"threadId"`
	ExternalMessageID string          `json:"messageId,omitempty"`
	Sequence          int             `json:"sequence"`
	Role              string          `json:"role"`
	Content           string          `json:"content"`
	ToolMetadata      json.RawMessage `json:"toolMetadata,omitempty"`
	CreatedAt         time.Time       `json:"createdAt"`
}

type AppendMessageResult struct {
	Created          bool        `json:"created"`
	AlreadyPersisted bool        `json:"alreadyPersisted"`
	Message          MessageView `json:"message"`
}

func threadView(t store.ChatThread) ThreadView {
	return ThreadView{
		ExternalID:   t.ExternalID,
		TaskNumber:   t.TaskNumber,
		Status:       t.Status,
		CloseReason:  t.CloseReason,
		RestartIndex: t.RestartIndex,
		CreatedAt:    t.CreatedAt,
		ClosedAt:     t.ClosedAt,
	}
}

func messageView(m store.ChatMessage) MessageView {
	return MessageView{
		ID:                m.ID,
		ThreadExternalID:  m.ThreadExternalID,
		ExternalMessageID: m.ExternalMessageID,
		Sequence:          m.Sequence,
		Role:              m.Role,
		Content:           m.Content,
		ToolMetadata:      m.ToolMetadata,
		CreatedAt:         m.CreatedAt,
	}
}

var messageRoles = map[string]string{
	"human":     store.RoleUser,
	"user":      store.RoleUser,
	"ai":        store.RoleAssistant,
	"assistant": store.RoleAssistant,
	"tool":      store.RoleTool,
	"system":    store.RoleSystem,
}

func normalizeRole(role string) (string, bool) {
	mapped, ok := messageRoles[strings.ToLower(strings.TrimSpace(role))]
	return mapped, ok
}

var explicitCloseReasons = map[string]struct{}{
	store.CloseRestarted:    {},
	store.CloseTaskFinished: {},
	store.CloseError:        {},
}

// appendOutcome carries whether the returned message was found rather than
// inserted by this call.
type appendOutcome struct {
	message   store.ChatMessage
	duplicate bool
}

// AppendMessage persists one chat message exactly once per external message
// id, creating the thread on first use.
func (s *Service) AppendMessage(ctx context.Context, p store.Participant, input AppendMessageInput) (AppendMessageResult, error) {
	threadID := strings.TrimSpace(input.ThreadExternalID)
	if threadID == "" {
		return AppendMessageResult{}, validation("threadId is required")
	}
	role, ok := normalizeRole(input.Role)
	if !ok {
		return AppendMessageResult{}, validation("role must be one of human, ai, tool, system")
	}
	if strings.TrimSpace(input.Content) == "" && role != store.RoleTool {
		return AppendMessageResult{}, validation("content is required")
	}
	if len(input.ToolMetadata) > 0 && !json.Valid(input.ToolMetadata) {
		return AppendMessageResult{}, validation("toolMetadata must be valid JSON")
	}
	externalMessageID := strings.TrimSpace(input.MessageExternalID)

	// A replayed history may carry a message into a new thread; the external
	// message id is unique across all threads.
	if existing, found, err := s.findMessage(ctx, p, externalMessageID); err != nil {
		return AppendMessageResult{}, err
	} else if found {
		return AppendMessageResult{AlreadyPersisted: true, Message: messageView(existing)}, nil
	}

	thread, err := s.ensureThread(ctx, p, threadID, input.TaskNumber)
	if err != nil {
		return AppendMessageResult{}, err
	}

	outcome, err := util.Retry(ctx, s.messageRetry, isStoreConflict, func(attempt int) (appendOutcome, error) {
		if attempt > 0 {
			existing, found, err := s.findMessage(ctx, p, externalMessageID)
			if err != nil {
				return appendOutcome{}, err
			}
			if found {
				return appendOutcome{message: existing, duplicate: true}, nil
			}
		}
		message, err := s.store.InsertMessage(ctx, store.NewMessage{
			ThreadID:          thread.ID,
			ExternalMessageID: externalMessageID,
			Role:              role,
			Content:           input.Content,
			ToolMetadata:      input.ToolMetadata,
			Now:               s.now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicateMessage) {
			existing, found, findErr := s.findMessage(ctx, p, externalMessageID)
			if findErr != nil {
				return appendOutcome{}, findErr
			}
			if !found {
				return appendOutcome{}, fmt.Errorf("duplicate message %q not visible: %w", externalMessageID, store.ErrConflict)
			}
			return appendOutcome{message: existing, duplicate: true}, nil
		}
		if err != nil {
			return appendOutcome{}, err
		}
		return appendOutcome{message: message}, nil
	})
	if errors.Is(err, util.ErrAttemptsExhausted) {
		s.logger.Warn("message append exhausted retries", "participant_id", p.ID, "thread_id", threadID, "error", err)
		return AppendMessageResult{}, conflict("Message could not be stored under concurrent writes, retry later")
	}
	if err != nil {
		return AppendMessageResult{}, fmt.Errorf("append message: %w", err)
	}
	if outcome.duplicate {
		return AppendMessageResult{AlreadyPersisted: true, Message: messageView(outcome.message)}, nil
	}

	s.indexMessage(p, thread, outcome.message)
	return AppendMessageResult{Created: true, Message: messageView(outcome.message)}, nil
}

// findMessage looks up a stored message by its external id. A message owned
// by another participant is reported as forbidden without its content.
func (s *Service) findMessage(ctx context.Context, p store.Participant, externalMessageID string) (store.ChatMessage, bool, error) {
	if externalMessageID == "" {
		return store.ChatMessage{}, false, nil
	}
	message, err := s.store.FindMessageByExternalID(ctx, externalMessageID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ChatMessage{}, false, nil
	}
	if err != nil {
		return store.ChatMessage{}, false, fmt.Errorf("find message: %w", err)
	}
	if message.ParticipantID != p.ID {
		return store.ChatMessage{}, false, forbidden("Message belongs to another participant")
	}
	return message, true, nil
}

func isStoreConflict(err error) bool {
	return errors.Is(err, store.ErrConflict)
}

// ensureThread resolves an external thread id to a thread owned by p,
// creating it in the session of the given task when it does not exist yet.
func (s *Service) ensureThread(ctx context.Context, p store.Participant, externalID string, taskNumber *int) (store.ChatThread, error) {
	thread, err := s.store.GetThreadByExternalID(ctx, externalID)
	if err == nil {
		if thread.ParticipantID != p.ID {
			return store.ChatThread{}, forbidden("Thread belongs to another participant")
		}
		return thread, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.ChatThread{}, fmt.Errorf("lookup thread: %w", err)
	}

	task := 0
	switch {
	case taskNumber != nil:
		task = *taskNumber
	case p.CurrentTaskNumber != nil:
		task = *p.CurrentTaskNumber
	default:
		return store.ChatThread{}, validation("taskNumber is required")
	}

	thread, err = util.Retry(ctx, s.threadRetry, isStoreConflict, func(int) (store.ChatThread, error) {
		thread, created, err := s.store.EnsureThread(ctx, store.NewThread{
			ExternalID:    externalID,
			ParticipantID: p.ID,
			TaskNumber:    task,
			Now:           s.now().UTC(),
		})
		if err != nil {
			return store.ChatThread{}, err
		}
		if created {
			s.logger.Info("chat thread created",
				"participant_id", p.ID,
				"thread_id", externalID,
				"task_number", task,
				"restart_index", thread.RestartIndex,
			)
		}
		return thread, nil
	})
	switch {
	case errors.Is(err, store.ErrNotFound):
		return store.ChatThread{}, notFound("Task session not started")
	case errors.Is(err, util.ErrAttemptsExhausted):
		return store.ChatThread{}, conflict("Thread could not be created under concurrent writes, retry later")
	case err != nil:
		return store.ChatThread{}, fmt.Errorf("ensure thread: %w", err)
	}
	if thread.ParticipantID != p.ID {
		return store.ChatThread{}, forbidden("Thread belongs to another participant")
	}
	return thread, nil
}

func (s *Service) indexMessage(p store.Participant, thread store.ChatThread, message store.ChatMessage) {
	if s.indexer == nil {
		return
	}
	s.indexer.IndexMessage(search.MessageRecord{
		ID:               message.ID,
		ThreadExternalID: thread.ExternalID,
		ParticipantID:    p.ID,
		StudyID:          p.StudyID,
		TaskNumber:       thread.TaskNumber,
		Role:             message.Role,
		Sequence:         message.Sequence,
		Content:          message.Content,
		CreatedAt:        message.CreatedAt.Unix(),
	})
}

// CloseThread closes a thread on an explicit client signal. Closing an
// already closed thread returns it unchanged.
func (s *Service) CloseThread(ctx context.Context, p store.Participant, externalID, reason string) (ThreadView, error) {
	externalID = strings.TrimSpace(externalID)
	reason = strings.ToUpper(strings.TrimSpace(reason))
	if _, ok := explicitCloseReasons[reason]; !ok {
		return ThreadView{}, validation("reason must be RESTARTED, TASK_FINISHED or ERROR")
	}
	thread, err := s.store.GetThreadByExternalID(ctx, externalID)
	if errors.Is(err, store.ErrNotFound) {
		return ThreadView{}, notFound("Thread not found")
	}
	if err != nil {
		return ThreadView{}, err
	}
	if thread.ParticipantID != p.ID {
		return ThreadView{}, forbidden("Thread belongs to another participant")
	}
	closed, err := s.store.CloseThread(ctx, externalID, reason, s.now().UTC())
	if err != nil {
		return ThreadView{}, fmt.Errorf("close thread: %w", err)
	}
	return threadView(closed), nil
}

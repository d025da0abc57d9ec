package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/usage"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/util"
)

// memStore is an in-memory dataStore that honours the same unique
// constraints and transactional effects as the PostgreSQL store. Every method
// holds the mutex for its whole duration, which mirrors the row locks.
type memStore struct {
	mu sync.Mutex

	studies      map[string]store.Study
	researchers  map[string]store.Researcher
	participants map[string]store.Participant
	sessions     map[string]store.TaskSession
	threads      map[string]store.ChatThread
	messages     map[string][]store.ChatMessage
	spans        []store.SidePanelSpan
	surveys      map[string]store.SurveyInstance
	answers      map[string][]store.SurveyAnswer

	// Injected failures, consumed one per call.
	ensureThreadConflicts  int
	insertMessageConflicts int
	staleMessageLookups    int
	touchErr               error
	reconcileErr           error
	candidatesErr          error

	ensureThreadCalls  int
	insertMessageCalls int
	reconcileCalls     int
}

func newMemStore() *memStore {
	return &memStore{
		studies:      map[string]store.Study{},
		researchers:  map[string]store.Researcher{},
		participants: map[string]store.Participant{},
		sessions:     map[string]store.TaskSession{},
		threads:      map[string]store.ChatThread{},
		messages:     map[string][]store.ChatMessage{},
		surveys:      map[string]store.SurveyInstance{},
		answers:      map[string][]store.SurveyAnswer{},
	}
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func timePtr(t time.Time) *time.Time {
	return &t
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) CreateStudy(_ context.Context, name string, taskCount int) (store.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	study := store.Study{ID: util.NewID("std"), Name: name, Status: "ACTIVE", TaskCount: taskCount, CreatedAt: time.Now().UTC()}
	m.studies[study.ID] = study
	return study, nil
}

func (m *memStore) GetStudy(_ context.Context, id string) (store.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	study, ok := m.studies[id]
	if !ok {
		return store.Study{}, store.ErrNotFound
	}
	return study, nil
}

func (m *memStore) ListStudies(context.Context) ([]store.Study, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Study, 0, len(m.studies))
	for _, study := range m.studies {
		items = append(items, study)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) GetResearcherByEmail(_ context.Context, email string) (store.Researcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.researchers {
		if r.Email == email {
			return r, nil
		}
	}
	return store.Researcher{}, store.ErrNotFound
}

func (m *memStore) GetResearcherByID(_ context.Context, id string) (store.Researcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.researchers[id]
	if !ok {
		return store.Researcher{}, store.ErrNotFound
	}
	return r, nil
}

func (m *memStore) CreateResearcher(_ context.Context, email, displayName, hash, role string) (store.Researcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.researchers {
		if r.Email == email {
			return store.Researcher{}, store.ErrConflict
		}
	}
	r := store.Researcher{ID: util.NewID("rsr"), Email: email, DisplayName: displayName, PasswordHash: hash, Role: role, CreatedAt: time.Now().UTC()}
	m.researchers[r.ID] = r
	return r, nil
}

func (m *memStore) CountResearchers(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.researchers), nil
}

func (m *memStore) CreateParticipant(_ context.Context, studyID, accessCode, variant string) (store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.AccessCode == accessCode {
			return store.Participant{}, store.ErrConflict
		}
	}
	p := store.Participant{
		ID:          util.NewID("prt"),
		AccessCode:  accessCode,
		StudyID:     studyID,
		Variant:     variant,
		Status:      store.StatusCreated,
		CurrentStep: store.StepPreSurvey,
		CreatedAt:   time.Now().UTC(),
	}
	m.participants[p.ID] = p
	return p, nil
}

func (m *memStore) GetParticipant(_ context.Context, id string) (store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok {
		return store.Participant{}, store.ErrNotFound
	}
	return p, nil
}

func (m *memStore) GetParticipantByAccessCode(_ context.Context, code string) (store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.participants {
		if p.AccessCode == code {
			return p, nil
		}
	}
	return store.Participant{}, store.ErrNotFound
}

func (m *memStore) ListParticipants(_ context.Context, studyID string) ([]store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.Participant, 0)
	for _, p := range m.participants {
		if p.StudyID == studyID {
			items = append(items, p)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return items, nil
}

func (m *memStore) TouchParticipant(_ context.Context, id string, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.touchErr != nil {
		return nil, m.touchErr
	}
	p, ok := m.participants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	prev := p.LastActiveAt
	p.LastActiveAt = timePtr(now)
	m.participants[id] = p
	return prev, nil
}

func (m *memStore) StartParticipant(_ context.Context, id string, now time.Time) (store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok || isAbsorbing(p.Status) {
		return store.Participant{}, store.ErrNotFound
	}
	if p.Status == store.StatusCreated {
		p.Status = store.StatusStarted
	} else {
		p.ReentryCount++
	}
	if p.StartedAt == nil {
		p.StartedAt = timePtr(now)
	}
	p.LastActiveAt = timePtr(now)
	m.participants[id] = p
	return p, nil
}

func sameTask(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func (m *memStore) UpdateParticipantProgress(_ context.Context, id string, progress store.ParticipantProgress) (store.Participant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok || isAbsorbing(p.Status) {
		return store.Participant{}, store.ErrNotFound
	}
	if progress.FromStep != "" && (p.CurrentStep != progress.FromStep || !sameTask(p.CurrentTaskNumber, progress.FromTaskNumber)) {
		return store.Participant{}, store.ErrNotFound
	}
	p.Status = progress.Status
	p.CurrentStep = progress.CurrentStep
	p.CurrentTaskNumber = progress.CurrentTaskNumber
	if p.CompletedAt == nil {
		p.CompletedAt = progress.CompletedAt
	}
	m.participants[id] = p
	return p, nil
}

func (m *memStore) absorb(id, status string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.participants[id]
	if !ok || isAbsorbing(p.Status) {
		return false, nil
	}
	p.Status = status
	m.participants[id] = p
	return true, nil
}

func (m *memStore) WithdrawParticipant(_ context.Context, id string) (bool, error) {
	return m.absorb(id, store.StatusWithdrawn)
}

func (m *memStore) InvalidateParticipant(_ context.Context, id string) (bool, error) {
	return m.absorb(id, store.StatusInvalidated)
}

func (m *memStore) CountParticipantsByStatus(_ context.Context, studyID string) ([]store.StatusCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[string]int{}
	for _, p := range m.participants {
		if p.StudyID == studyID {
			counts[p.Status]++
		}
	}
	items := make([]store.StatusCount, 0, len(counts))
	for status, count := range counts {
		items = append(items, store.StatusCount{Status: status, Count: count})
	}
	return items, nil
}

func (m *memStore) sessionFor(participantID string, taskNumber int) (store.TaskSession, bool) {
	for _, ts := range m.sessions {
		if ts.ParticipantID == participantID && ts.TaskNumber == taskNumber {
			return ts, true
		}
	}
	return store.TaskSession{}, false
}

func (m *memStore) EnsureTaskSession(_ context.Context, participantID string, taskNumber int, now time.Time) (store.TaskSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.sessionFor(participantID, taskNumber); ok {
		return ts, false, nil
	}
	if _, ok := m.participants[participantID]; !ok {
		return store.TaskSession{}, false, store.ErrNotFound
	}
	ts := store.TaskSession{ID: util.NewID("tsk"), ParticipantID: participantID, TaskNumber: taskNumber, StartedAt: now}
	m.sessions[ts.ID] = ts
	return ts, true, nil
}

func (m *memStore) GetTaskSession(_ context.Context, participantID string, taskNumber int) (store.TaskSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessionFor(participantID, taskNumber)
	if !ok {
		return store.TaskSession{}, store.ErrNotFound
	}
	return ts, nil
}

func (m *memStore) listSessions(keep func(store.TaskSession) bool) []store.TaskSession {
	items := make([]store.TaskSession, 0)
	for _, ts := range m.sessions {
		if keep(ts) {
			items = append(items, ts)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].ParticipantID != items[j].ParticipantID {
			return items[i].ParticipantID < items[j].ParticipantID
		}
		return items[i].TaskNumber < items[j].TaskNumber
	})
	return items
}

func (m *memStore) ListTaskSessions(_ context.Context, participantID string) ([]store.TaskSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listSessions(func(ts store.TaskSession) bool { return ts.ParticipantID == participantID }), nil
}

func (m *memStore) ListStudyTaskSessions(_ context.Context, studyID string) ([]store.TaskSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listSessions(func(ts store.TaskSession) bool { return m.participants[ts.ParticipantID].StudyID == studyID }), nil
}

func (m *memStore) MarkReadyToAnswer(_ context.Context, participantID string, taskNumber int, now time.Time) (store.TaskSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessionFor(participantID, taskNumber)
	if !ok {
		return store.TaskSession{}, store.ErrNotFound
	}
	if ts.ReadyToAnswerAt == nil {
		ts.ReadyToAnswerAt = timePtr(now)
	}
	if ts.PostSurveyStartedAt == nil {
		ts.PostSurveyStartedAt = timePtr(now)
	}
	if ts.ChatEndedAt == nil {
		ts.ChatEndedAt = timePtr(now)
	}
	m.sessions[ts.ID] = ts
	for key, t := range m.threads {
		if t.TaskSessionID == ts.ID && t.Status == store.ThreadActive {
			t.Status = store.ThreadClosed
			t.CloseReason = store.CloseTaskFinished
			t.ClosedAt = timePtr(laterOf(t.CreatedAt, now))
			m.threads[key] = t
		}
	}
	return ts, nil
}

func (m *memStore) MarkPostSurveySubmitted(_ context.Context, participantID string, taskNumber int, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessionFor(participantID, taskNumber)
	if !ok {
		return store.ErrNotFound
	}
	if ts.PostSurveySubmittedAt == nil {
		ts.PostSurveySubmittedAt = timePtr(now)
	}
	m.sessions[ts.ID] = ts
	return nil
}

func (m *memStore) openSpanIndex(taskSessionID string) int {
	for i, span := range m.spans {
		if span.TaskSessionID == taskSessionID && span.ClosedAt == nil {
			return i
		}
	}
	return -1
}

func (m *memStore) OpenSidePanel(_ context.Context, taskSessionID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessions[taskSessionID]
	if !ok {
		return false, store.ErrNotFound
	}
	if m.openSpanIndex(taskSessionID) >= 0 {
		return false, nil
	}
	m.spans = append(m.spans, store.SidePanelSpan{ID: util.NewID("spn"), TaskSessionID: taskSessionID, OpenedAt: now})
	ts.SidePanelOpenCount++
	m.sessions[ts.ID] = ts
	return true, nil
}

func (m *memStore) CloseSidePanel(_ context.Context, taskSessionID string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, ok := m.sessions[taskSessionID]
	if !ok {
		return false, store.ErrNotFound
	}
	i := m.openSpanIndex(taskSessionID)
	if i < 0 {
		return false, nil
	}
	closedAt := laterOf(m.spans[i].OpenedAt, now)
	m.spans[i].ClosedAt = timePtr(closedAt)
	ts.SidePanelCloseCount++
	ts.SidePanelOpenMs += closedAt.Sub(m.spans[i].OpenedAt).Milliseconds()
	m.sessions[ts.ID] = ts
	return true, nil
}

func (m *memStore) GetOpenSidePanelSpan(_ context.Context, taskSessionID string) (*store.SidePanelSpan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.openSpanIndex(taskSessionID)
	if i < 0 {
		return nil, nil
	}
	span := m.spans[i]
	return &span, nil
}

func (m *memStore) ListOpenSidePanelSpans(_ context.Context, studyID string) (map[string]store.SidePanelSpan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := map[string]store.SidePanelSpan{}
	for _, span := range m.spans {
		ts := m.sessions[span.TaskSessionID]
		if span.ClosedAt == nil && m.participants[ts.ParticipantID].StudyID == studyID {
			open[span.TaskSessionID] = span
		}
	}
	return open, nil
}

func (m *memStore) GetThreadByExternalID(_ context.Context, externalID string) (store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[externalID]
	if !ok {
		return store.ChatThread{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) countThreads(taskSessionID string) int {
	n := 0
	for _, t := range m.threads {
		if t.TaskSessionID == taskSessionID {
			n++
		}
	}
	return n
}

func (m *memStore) EnsureThread(_ context.Context, in store.NewThread) (store.ChatThread, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureThreadCalls++
	if m.ensureThreadConflicts > 0 {
		m.ensureThreadConflicts--
		return store.ChatThread{}, false, store.ErrConflict
	}
	if t, ok := m.threads[in.ExternalID]; ok {
		return t, false, nil
	}
	ts, ok := m.sessionFor(in.ParticipantID, in.TaskNumber)
	if !ok {
		return store.ChatThread{}, false, store.ErrNotFound
	}
	count := m.countThreads(ts.ID)
	for key, t := range m.threads {
		if t.TaskSessionID == ts.ID && t.Status == store.ThreadActive {
			t.Status = store.ThreadClosed
			t.CloseReason = store.CloseRestarted
			t.ClosedAt = timePtr(laterOf(t.CreatedAt, in.Now))
			m.threads[key] = t
		}
	}
	t := store.ChatThread{
		ID:            util.NewID("thr"),
		ExternalID:    in.ExternalID,
		TaskSessionID: ts.ID,
		ParticipantID: in.ParticipantID,
		TaskNumber:    in.TaskNumber,
		Status:        store.ThreadActive,
		RestartIndex:  count,
		CreatedAt:     in.Now,
	}
	m.threads[t.ExternalID] = t
	ts.ChatRestartCount = usage.RestartCount(count + 1)
	m.sessions[ts.ID] = ts
	return t, true, nil
}

func (m *memStore) FindMessageByExternalID(_ context.Context, externalMessageID string) (store.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.staleMessageLookups > 0 {
		m.staleMessageLookups--
		return store.ChatMessage{}, store.ErrNotFound
	}
	for _, messages := range m.messages {
		for _, msg := range messages {
			if msg.ExternalMessageID == externalMessageID {
				return msg, nil
			}
		}
	}
	return store.ChatMessage{}, store.ErrNotFound
}

func (m *memStore) threadByID(id string) (store.ChatThread, bool) {
	for _, t := range m.threads {
		if t.ID == id {
			return t, true
		}
	}
	return store.ChatThread{}, false
}

func (m *memStore) InsertMessage(_ context.Context, in store.NewMessage) (store.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertMessageCalls++
	if m.insertMessageConflicts > 0 {
		m.insertMessageConflicts--
		return store.ChatMessage{}, store.ErrConflict
	}
	thread, ok := m.threadByID(in.ThreadID)
	if !ok {
		return store.ChatMessage{}, store.ErrNotFound
	}
	if in.ExternalMessageID != "" {
		for _, messages := range m.messages {
			for _, msg := range messages {
				if msg.ExternalMessageID == in.ExternalMessageID {
					return store.ChatMessage{}, store.ErrDuplicateMessage
				}
			}
		}
	}
	next := 1
	for _, msg := range m.messages[in.ThreadID] {
		if msg.Sequence >= next {
			next = msg.Sequence + 1
		}
	}
	msg := store.ChatMessage{
		ID:                util.NewID("msg"),
		ThreadID:          in.ThreadID,
		ThreadExternalID:  thread.ExternalID,
		ParticipantID:     thread.ParticipantID,
		ExternalMessageID: in.ExternalMessageID,
		Sequence:          next,
		Role:              in.Role,
		Content:           in.Content,
		ToolMetadata:      in.ToolMetadata,
		CreatedAt:         in.Now,
	}
	m.messages[in.ThreadID] = append(m.messages[in.ThreadID], msg)

	ts := m.sessions[thread.TaskSessionID]
	switch in.Role {
	case store.RoleUser:
		ts.UserMessageCount++
		ts.HasChattedAtLeastOnce = true
		if ts.ChatStartedAt == nil {
			ts.ChatStartedAt = timePtr(in.Now)
		}
	case store.RoleAssistant:
		ts.AssistantMessageCount++
	}
	m.sessions[ts.ID] = ts
	return msg, nil
}

func (m *memStore) CloseThread(_ context.Context, externalID, reason string, now time.Time) (store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[externalID]
	if !ok {
		return store.ChatThread{}, store.ErrNotFound
	}
	if t.Status == store.ThreadActive {
		t.Status = store.ThreadClosed
		t.CloseReason = reason
		t.ClosedAt = timePtr(laterOf(t.CreatedAt, now))
		m.threads[externalID] = t
	}
	return t, nil
}

func (m *memStore) listThreads(keep func(store.ChatThread) bool) []store.ChatThread {
	items := make([]store.ChatThread, 0)
	for _, t := range m.threads {
		if keep(t) {
			items = append(items, t)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ParticipantID != b.ParticipantID {
			return a.ParticipantID < b.ParticipantID
		}
		if a.TaskNumber != b.TaskNumber {
			return a.TaskNumber < b.TaskNumber
		}
		return a.RestartIndex < b.RestartIndex
	})
	return items
}

func (m *memStore) ListParticipantThreads(_ context.Context, participantID string) ([]store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listThreads(func(t store.ChatThread) bool { return t.ParticipantID == participantID }), nil
}

func (m *memStore) ListStudyThreads(_ context.Context, studyID string) ([]store.ChatThread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listThreads(func(t store.ChatThread) bool { return m.participants[t.ParticipantID].StudyID == studyID }), nil
}

func (m *memStore) ListMessages(_ context.Context, threadID string) ([]store.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := append([]store.ChatMessage(nil), m.messages[threadID]...)
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items, nil
}

func (m *memStore) reconcileLocked(participantID string, endedAt time.Time) store.ReconcileResult {
	result := store.ReconcileResult{SessionIDs: []string{}}
	seen := map[string]bool{}
	for key, t := range m.threads {
		if t.ParticipantID != participantID || t.Status != store.ThreadActive {
			continue
		}
		t.Status = store.ThreadClosed
		t.CloseReason = store.CloseAbandoned
		t.ClosedAt = timePtr(laterOf(t.CreatedAt, endedAt))
		m.threads[key] = t
		result.ClosedThreads++
		if !seen[t.TaskSessionID] {
			seen[t.TaskSessionID] = true
			result.SessionIDs = append(result.SessionIDs, t.TaskSessionID)
		}
	}
	for _, id := range result.SessionIDs {
		ts := m.sessions[id]
		if ts.ChatEndedAt == nil {
			ts.ChatEndedAt = timePtr(endedAt)
			result.CappedSessions++
		}
		ts.ChatRestartCount = usage.RestartCount(m.countThreads(id))
		m.sessions[id] = ts
	}
	return result
}

func (m *memStore) ReconcileAbandoned(_ context.Context, participantID string, endedAt time.Time) (store.ReconcileResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileCalls++
	if m.reconcileErr != nil {
		return store.ReconcileResult{}, m.reconcileErr
	}
	return m.reconcileLocked(participantID, endedAt), nil
}

func (m *memStore) ReconcileIdleParticipant(_ context.Context, participantID string, cutoff time.Time) (store.ReconcileResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconcileCalls++
	p, ok := m.participants[participantID]
	if !ok {
		return store.ReconcileResult{}, false, store.ErrNotFound
	}
	if p.LastActiveAt == nil || !p.LastActiveAt.Before(cutoff) {
		return store.ReconcileResult{}, false, nil
	}
	return m.reconcileLocked(participantID, *p.LastActiveAt), true, nil
}

func (m *memStore) ListAbandonmentCandidates(_ context.Context, cutoff time.Time, limit int) ([]store.AbandonmentCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candidatesErr != nil {
		err := m.candidatesErr
		m.candidatesErr = nil
		return nil, err
	}
	active := map[string]bool{}
	for _, t := range m.threads {
		if t.Status == store.ThreadActive {
			active[t.ParticipantID] = true
		}
	}
	items := make([]store.AbandonmentCandidate, 0)
	for id := range active {
		p := m.participants[id]
		if p.LastActiveAt != nil && p.LastActiveAt.Before(cutoff) {
			items = append(items, store.AbandonmentCandidate{ParticipantID: id, LastActiveAt: *p.LastActiveAt})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].LastActiveAt.Before(items[j].LastActiveAt) })
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *memStore) EnsureSurveyInstance(_ context.Context, participantID, phase string, now time.Time) (store.SurveyInstance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := participantID + "/" + phase
	if si, ok := m.surveys[key]; ok {
		return si, false, nil
	}
	si := store.SurveyInstance{ID: util.NewID("srv"), ParticipantID: participantID, Phase: phase, StartedAt: now}
	m.surveys[key] = si
	return si, true, nil
}

func (m *memStore) SubmitSurvey(_ context.Context, instanceID string, answers []store.SurveyAnswer, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, si := range m.surveys {
		if si.ID != instanceID {
			continue
		}
		if si.SubmittedAt != nil {
			return false, nil
		}
		si.SubmittedAt = timePtr(now)
		m.surveys[key] = si
		m.answers[instanceID] = append([]store.SurveyAnswer(nil), answers...)
		return true, nil
	}
	return false, store.ErrNotFound
}

func (m *memStore) ListSurveyInstances(_ context.Context, participantID string) ([]store.SurveyInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]store.SurveyInstance, 0)
	for _, si := range m.surveys {
		if si.ParticipantID == participantID {
			items = append(items, si)
		}
	}
	return items, nil
}

// session returns the stored task session of participantID/taskNumber.
func (m *memStore) session(participantID string, taskNumber int) store.TaskSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts, _ := m.sessionFor(participantID, taskNumber)
	return ts
}

func (m *memStore) thread(externalID string) store.ChatThread {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.threads[externalID]
}

func (m *memStore) participant(id string) store.Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.participants[id]
}

var _ dataStore = (*memStore)(nil)

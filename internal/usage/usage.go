// Package usage derives read-model values from stored study rows. Nothing in
// here writes; the same functions back the live dashboard, the exports and
// the counters the reconciler stores.
package usage

import (
	"sort"
	"time"
)

// RestartCount is the number of restarts implied by a session's thread count.
func RestartCount(threadCount int) int {
	if threadCount <= 1 {
		return 0
	}
	return threadCount - 1
}

// Duration returns end-start when both are set and end is not before start.
func Duration(start, end *time.Time) (time.Duration, bool) {
	if start == nil || end == nil {
		return 0, false
	}
	d := end.Sub(*start)
	if d < 0 {
		return 0, false
	}
	return d, true
}

// DurationMs is Duration in milliseconds, nil when unavailable.
func DurationMs(start, end *time.Time) *int64 {
	d, ok := Duration(start, end)
	if !ok {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

// TaskEndHints are the timestamps that can bound an open-ended interval,
// in the order they are trusted.
type TaskEndHints struct {
	ChatEndedAt             *time.Time
	ReadyToAnswerAt         *time.Time
	PostSurveyStartedAt     *time.Time
	PostSurveySubmittedAt   *time.Time
	ParticipantCompletedAt  *time.Time
	ParticipantLastActiveAt *time.Time
}

// BestEffortTaskEnd picks the first recorded hint, falling back to now.
func BestEffortTaskEnd(h TaskEndHints, now time.Time) time.Time {
	for _, candidate := range []*time.Time{
		h.ChatEndedAt,
		h.ReadyToAnswerAt,
		h.PostSurveyStartedAt,
		h.PostSurveySubmittedAt,
		h.ParticipantCompletedAt,
		h.ParticipantLastActiveAt,
	} {
		if candidate != nil {
			return *candidate
		}
	}
	return now
}

// EffectiveSidePanelOpen adds the still open span, bounded by end, to the
// accumulated closed-span time.
func EffectiveSidePanelOpen(storedMs int64, openSince *time.Time, end time.Time) time.Duration {
	total := time.Duration(storedMs) * time.Millisecond
	if total < 0 {
		total = 0
	}
	if openSince == nil {
		return total
	}
	if correction := end.Sub(*openSince); correction > 0 {
		total += correction
	}
	return total
}

// SessionInput is the slice of a task session and its participant the
// aggregator needs.
type SessionInput struct {
	TaskSessionID         string
	ParticipantID         string
	TaskNumber            int
	StartedAt             time.Time
	ChatStartedAt         *time.Time
	ChatEndedAt           *time.Time
	ReadyToAnswerAt       *time.Time
	PostSurveyStartedAt   *time.Time
	PostSurveySubmittedAt *time.Time
	HasChatted            bool
	UserMessageCount      int
	AssistantMessageCount int
	StoredRestartCount    int
	ThreadCount           int
	SidePanelOpenCount    int
	SidePanelCloseCount   int
	SidePanelOpenMs       int64
	OpenSpanSince         *time.Time

	ParticipantCompletedAt  *time.Time
	ParticipantLastActiveAt *time.Time
}

type SessionUsage struct {
	TaskSessionID          string `json:"taskSessionId"`
	ParticipantID          string `json:"participantId"`
	TaskNumber             int    `json:"taskNumber"`
	HasChatted             bool   `json:"hasChatted"`
	UserMessageCount       int    `json:"userMessageCount"`
	AssistantMessageCount  int    `json:"assistantMessageCount"`
	ThreadCount            int    `json:"threadCount"`
	RestartCount           int    `json:"restartCount"`
	StoredRestartCount     int    `json:"storedRestartCount"`
	RestartCountConsistent bool   `json:"restartCountConsistent"`
	ChatDurationMs         *int64 `json:"chatDurationMs"`
	PostSurveyDurationMs   *int64 `json:"postSurveyDurationMs"`
	TaskDurationMs         *int64 `json:"taskDurationMs"`
	SidePanelOpenCount     int    `json:"sidePanelOpenCount"`
	SidePanelCloseCount    int    `json:"sidePanelCloseCount"`
	SidePanelOpenMs        int64  `json:"sidePanelOpenMs"`
	SidePanelLeftOpen      bool   `json:"sidePanelLeftOpen"`
}

// Summarize derives the read model of one task session at time now.
func Summarize(in SessionInput, now time.Time) SessionUsage {
	restarts := RestartCount(in.ThreadCount)
	startedAt := in.StartedAt
	end := BestEffortTaskEnd(TaskEndHints{
		ChatEndedAt:             in.ChatEndedAt,
		ReadyToAnswerAt:         in.ReadyToAnswerAt,
		PostSurveyStartedAt:     in.PostSurveyStartedAt,
		PostSurveySubmittedAt:   in.PostSurveySubmittedAt,
		ParticipantCompletedAt:  in.ParticipantCompletedAt,
		ParticipantLastActiveAt: in.ParticipantLastActiveAt,
	}, now)

	return SessionUsage{
		TaskSessionID:          in.TaskSessionID,
		ParticipantID:          in.ParticipantID,
		TaskNumber:             in.TaskNumber,
		HasChatted:             in.HasChatted,
		UserMessageCount:       in.UserMessageCount,
		AssistantMessageCount:  in.AssistantMessageCount,
		ThreadCount:            in.ThreadCount,
		RestartCount:           restarts,
		StoredRestartCount:     in.StoredRestartCount,
		RestartCountConsistent: restarts == in.StoredRestartCount,
		ChatDurationMs:         DurationMs(in.ChatStartedAt, in.ChatEndedAt),
		PostSurveyDurationMs:   DurationMs(in.PostSurveyStartedAt, in.PostSurveySubmittedAt),
		TaskDurationMs:         DurationMs(&startedAt, in.PostSurveySubmittedAt),
		SidePanelOpenCount:     in.SidePanelOpenCount,
		SidePanelCloseCount:    in.SidePanelCloseCount,
		SidePanelOpenMs:        EffectiveSidePanelOpen(in.SidePanelOpenMs, in.OpenSpanSince, end).Milliseconds(),
		SidePanelLeftOpen:      in.OpenSpanSince != nil,
	}
}

// Dashboard is the study level KPI snapshot.
type Dashboard struct {
	Participants         int            `json:"participants"`
	ByStatus             map[string]int `json:"byStatus"`
	CompletionRate       float64        `json:"completionRate"`
	DropoutRate          float64        `json:"dropoutRate"`
	TaskSessions         int            `json:"taskSessions"`
	SessionsWithChat     int            `json:"sessionsWithChat"`
	TotalUserMessages    int            `json:"totalUserMessages"`
	AvgUserMessages      float64        `json:"avgUserMessages"`
	TotalRestarts        int            `json:"totalRestarts"`
	CloseReasons         map[string]int `json:"closeReasons"`
	MedianChatDurationMs *int64         `json:"medianChatDurationMs"`
	AvgSidePanelOpenMs   float64        `json:"avgSidePanelOpenMs"`
	SidePanelLeftOpen    int            `json:"sidePanelLeftOpen"`
	InconsistentRestarts int            `json:"inconsistentRestarts"`
}

// BuildDashboard folds participant status counts, per-session read models and
// thread close reasons into study KPIs. The inputs may come from separate,
// non-transactional reads.
func BuildDashboard(byStatus map[string]int, sessions []SessionUsage, closeReasons map[string]int) Dashboard {
	d := Dashboard{
		ByStatus:     make(map[string]int, len(byStatus)),
		CloseReasons: make(map[string]int, len(closeReasons)),
		TaskSessions: len(sessions),
	}
	for status, count := range byStatus {
		d.ByStatus[status] = count
		d.Participants += count
	}
	for reason, count := range closeReasons {
		d.CloseReasons[reason] = count
	}
	if d.Participants > 0 {
		d.CompletionRate = float64(byStatus["COMPLETED"]) / float64(d.Participants)
		d.DropoutRate = float64(byStatus["WITHDRAWN"]) / float64(d.Participants)
	}

	chatDurations := make([]int64, 0, len(sessions))
	var panelTotal int64
	for _, s := range sessions {
		if s.HasChatted {
			d.SessionsWithChat++
		}
		d.TotalUserMessages += s.UserMessageCount
		d.TotalRestarts += s.RestartCount
		if !s.RestartCountConsistent {
			d.InconsistentRestarts++
		}
		if s.ChatDurationMs != nil {
			chatDurations = append(chatDurations, *s.ChatDurationMs)
		}
		panelTotal += s.SidePanelOpenMs
		if s.SidePanelLeftOpen {
			d.SidePanelLeftOpen++
		}
	}
	if len(sessions) > 0 {
		d.AvgUserMessages = float64(d.TotalUserMessages) / float64(len(sessions))
		d.AvgSidePanelOpenMs = float64(panelTotal) / float64(len(sessions))
	}
	d.MedianChatDurationMs = median(chatDurations)
	return d
}

func median(values []int64) *int64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	mid := len(sorted) / 2
	m := sorted[mid]
	if len(sorted)%2 == 0 {
		m = (sorted[mid-1] + sorted[mid]) / 2
	}
	return &m
}

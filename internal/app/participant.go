package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/auth"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/store"
)

// ParticipantState is the routing view returned to the study client.
type ParticipantState struct {
	ParticipantID     string     `json:"participantId"`
	StudyID           string     `json:"studyId"`
	Variant           string     `json:"variant"`
	Status            string     `json:"status"`
	CurrentStep       string     `json:"currentStep"`
	CurrentTaskNumber *int       `json:"currentTaskNumber"`
	Redirect          string     `json:"redirect"`
	ReentryCount      int        `json:"reentryCount"`
	LastActiveAt      *time.Time `json:"lastActiveAt"`
}

type LoginResult struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expiresAt"`
	State     ParticipantState `json:"state"`
}

func stateOf(p store.Participant) ParticipantState {
	return ParticipantState{
		ParticipantID:     p.ID,
		StudyID:           p.StudyID,
		Variant:           p.Variant,
		Status:            p.Status,
		CurrentStep:       p.CurrentStep,
		CurrentTaskNumber: p.CurrentTaskNumber,
		Redirect:          redirectFor(p),
		ReentryCount:      p.ReentryCount,
		LastActiveAt:      p.LastActiveAt,
	}
}

func isAbsorbing(status string) bool {
	return status == store.StatusWithdrawn || status == store.StatusInvalidated
}

func normalizeAccessCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Login exchanges an access code for a participant token. The first login
// starts the study; later ones count as re-entries.
func (s *Service) Login(ctx context.Context, accessCode string) (LoginResult, error) {
	code := normalizeAccessCode(accessCode)
	if code == "" {
		return LoginResult{}, validation("accessCode is required")
	}
	participant, err := s.store.GetParticipantByAccessCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return LoginResult{}, unauthorized("Unknown access code")
	}
	if err != nil {
		return LoginResult{}, err
	}
	if isAbsorbing(participant.Status) {
		return LoginResult{}, forbidden("Participation has ended")
	}

	now := s.now().UTC()
	s.recordActivity(ctx, participant.ID, now)

	participant, err = s.store.StartParticipant(ctx, participant.ID, now)
	if err != nil {
		return LoginResult{}, fmt.Errorf("start participant: %w", err)
	}

	expiresAt := now.Add(s.cfg.ParticipantTTL)
	token, err := auth.IssueParticipantToken([]byte(s.cfg.ParticipantSecret), participant.ID, participant.AccessCode, expiresAt)
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{Token: token, ExpiresAt: expiresAt, State: stateOf(participant)}, nil
}

// Authenticate resolves a bearer token to the live participant. Every
// authenticated study call passes through here, so it also records activity
// and runs the inline abandonment check.
func (s *Service) Authenticate(ctx context.Context, token string) (store.Participant, error) {
	claims, err := auth.ParseParticipantToken([]byte(s.cfg.ParticipantSecret), token)
	if err != nil {
		return store.Participant{}, unauthorized("Unauthorized")
	}
	participant, err := s.store.GetParticipant(ctx, claims.Sub)
	if errors.Is(err, store.ErrNotFound) {
		return store.Participant{}, notFound("Participant not found")
	}
	if err != nil {
		return store.Participant{}, err
	}
	if participant.AccessCode != claims.AccessCode {
		return store.Participant{}, accessCodeMismatch()
	}
	if isAbsorbing(participant.Status) {
		return store.Participant{}, forbidden("Participation has ended")
	}

	now := s.now().UTC()
	if s.recordActivity(ctx, participant.ID, now) {
		participant.LastActiveAt = &now
	}
	return participant, nil
}

// recordActivity stamps lastActiveAt and, when the previous stamp is older
// than the inactivity threshold, reconciles abandoned threads as of that
// stamp. Neither step can fail the caller; the result reports whether the
// stamp was written.
func (s *Service) recordActivity(ctx context.Context, participantID string, now time.Time) bool {
	prev, err := s.store.TouchParticipant(ctx, participantID, now)
	if err != nil {
		s.logger.Warn("activity update failed", "participant_id", participantID, "error", err)
		return false
	}
	if prev != nil && now.Sub(*prev) > s.cfg.InactivityThreshold {
		s.reconcileInline(ctx, participantID, *prev)
	}
	return true
}

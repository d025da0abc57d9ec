package app

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/search"
	"github.com/lxke19/submission-bachelorthesis-bl-ws2526-sub000/internal/timeliness"
)

func (s *HTTPServer) handleAdmin(w http.ResponseWriter, r *http.Request, session ResearcherSession, parts []string) {
	ctx := r.Context()

	if len(parts) == 1 && parts[0] == "me" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          session.ResearcherID,
			"email":       session.Email,
			"displayName": session.DisplayName,
			"role":        session.Role,
		})
		return
	}

	if len(parts) == 1 && parts[0] == "studies" {
		switch r.Method {
		case http.MethodGet:
			studies, err := s.service.ListStudies(ctx, session)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": studies})
			return
		case http.MethodPost:
			var body struct {
				Name      string `json:"name"`
				TaskCount int    `json:"taskCount"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			study, err := s.service.CreateStudy(ctx, session, body.Name, body.TaskCount)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, study)
			return
		}
	}

	if len(parts) == 3 && parts[0] == "studies" {
		studyID := parts[1]
		switch {
		case parts[2] == "participants" && r.Method == http.MethodGet:
			participants, err := s.service.ListParticipants(ctx, session, studyID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": participants})
			return
		case parts[2] == "participants" && r.Method == http.MethodPost:
			var body struct {
				Variant string `json:"variant"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			participant, err := s.service.CreateParticipant(ctx, session, studyID, body.Variant)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusCreated, participant)
			return
		case parts[2] == "dashboard" && r.Method == http.MethodGet:
			dashboard, err := s.service.Dashboard(ctx, session, studyID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, dashboard)
			return
		case parts[2] == "export" && r.Method == http.MethodGet:
			result, err := s.service.Export(ctx, session, studyID, r.URL.Query().Get("format"))
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			w.Header().Set("Content-Type", result.MimeType)
			w.Header().Set("Content-Disposition", `attachment; filename="`+result.Filename+`"`)
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(result.Data)
			return
		}
	}

	if len(parts) == 4 && parts[0] == "studies" && parts[2] == "export" && parts[3] == "archive" && r.Method == http.MethodPost {
		result, err := s.service.ArchiveExport(ctx, session, parts[1])
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	if len(parts) == 3 && parts[0] == "participants" {
		participantID := parts[1]
		switch {
		case parts[2] == "usage" && r.Method == http.MethodGet:
			view, err := s.service.ParticipantUsage(ctx, session, participantID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		case parts[2] == "transcript" && r.Method == http.MethodGet:
			view, err := s.service.Transcript(ctx, session, participantID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
			return
		case parts[2] == "invalidate" && r.Method == http.MethodPost:
			participant, err := s.service.InvalidateParticipant(ctx, session, participantID)
			if err != nil {
				s.writeServiceError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, participant)
			return
		}
	}

	if len(parts) == 1 && parts[0] == "researchers" && r.Method == http.MethodPost {
		var body CreateResearcherInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		researcher, err := s.service.CreateResearcher(ctx, session, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, researcher)
		return
	}

	if len(parts) == 2 && parts[0] == "reconcile" && parts[1] == "sweep" && r.Method == http.MethodPost {
		result, err := s.service.Sweep(ctx, session)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	if len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet {
		query := r.URL.Query()
		q := search.Query{
			Text:          query.Get("q"),
			StudyID:       strings.TrimSpace(query.Get("studyId")),
			ParticipantID: strings.TrimSpace(query.Get("participantId")),
			Role:          strings.TrimSpace(query.Get("role")),
		}
		if raw := query.Get("taskNumber"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "taskNumber must be a positive integer", nil)
				return
			}
			q.TaskNumber = n
		}
		if raw := query.Get("limit"); raw != "" {
			q.Limit, _ = strconv.Atoi(raw)
		}
		if raw := query.Get("offset"); raw != "" {
			q.Offset, _ = strconv.Atoi(raw)
		}
		response, err := s.service.Search(ctx, session, q)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, response)
		return
	}

	if len(parts) == 2 && parts[0] == "insights" && parts[1] == "timeliness" && r.Method == http.MethodPost {
		var body timeliness.Footprint
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.Timeliness(ctx, session, body)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"chatrelay/internal/constants"
	apperrors "chatrelay/internal/errors"
	"chatrelay/internal/models"
	"chatrelay/internal/queue"
	"chatrelay/internal/tracing"
	"chatrelay/internal/validation"

	"github.com/sirupsen/logrus"
)

type listResponse struct {
	Messages   []*models.Message `json:"messages"`
	Pagination pagination        `json:"pagination"`
}

type pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
	Pages int64 `json:"pages"`
}

type retryRequest struct {
	MessageIDs []string `json:"messageIds"`
}

type statusResponse struct {
	Queue     *queue.Stats         `json:"queue,omitempty"`
	Messages  []models.StatusCount `json:"messages"`
	Timestamp time.Time            `json:"timestamp"`
}

type cleanupResponse struct {
	Deleted int64 `json:"deleted"`
	Days    int   `json:"days"`
}

type statisticsResponse struct {
	*models.DeliveryStatistics
	StartDate time.Time `json:"startDate"`
	EndDate   time.Time `json:"endDate"`
}

func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()

		q := models.MessageQuery{
			MessageFilter: models.MessageFilter{
				Sender: params.Get("sender"),
				Status: models.MessageStatus(params.Get("status")),
			},
			Page:  intParam(params.Get("page"), 1),
			Limit: intParam(params.Get("limit"), constants.DefaultPageSize),
		}
		if q.Status != "" && !q.Status.Valid() {
			s.writeError(w, r, apperrors.NewInvalidInputError("status", "unknown status "+string(q.Status)))
			return
		}
		switch {
		case q.Limit <= 0:
			q.Limit = constants.DefaultPageSize
		case q.Limit > constants.MaxPageSize:
			q.Limit = constants.MaxPageSize
		}
		if q.Page < 1 {
			q.Page = 1
		}

		var err error
		if q.Start, err = timeParam(params.Get("startDate")); err != nil {
			s.writeError(w, r, apperrors.NewInvalidInputError("startDate", err.Error()))
			return
		}
		if q.End, err = timeParam(params.Get("endDate")); err != nil {
			s.writeError(w, r, apperrors.NewInvalidInputError("endDate", err.Error()))
			return
		}

		msgs, total, err := s.deps.Store.ListMessages(r.Context(), q)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}

		writeJSON(w, http.StatusOK, listResponse{
			Messages: msgs,
			Pagination: pagination{
				Page:  q.Page,
				Limit: q.Limit,
				Total: total,
				Pages: (total + int64(q.Limit) - 1) / int64(q.Limit),
			},
		})
	}
}

func (s *Server) handleFailedMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := intParam(r.URL.Query().Get("limit"), constants.DefaultFailedLimit)
		if limit <= 0 || limit > constants.DefaultFailedLimit {
			limit = constants.DefaultFailedLimit
		}

		msgs, err := s.deps.Store.FindByStatus(r.Context(), models.MessageFilter{Status: models.StatusFailed})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if len(msgs) > limit {
			msgs = msgs[len(msgs)-limit:]
		}
		if msgs == nil {
			msgs = []*models.Message{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "count": len(msgs)})
	}
}

func (s *Server) handleRetryMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := validation.ValidateHTTPRequestSize(r, constants.MaxMessageBytes); err != nil {
			s.writeError(w, r, err)
			return
		}

		var req retryRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, constants.MaxMessageBytes)).Decode(&req); err != nil {
			s.writeError(w, r, apperrors.NewInvalidInputError("body", "invalid JSON body"))
			return
		}
		if err := validation.ValidateNumericRange(len(req.MessageIDs), "messageIds", 1, constants.MaxRetryBatchSize); err != nil {
			s.writeError(w, r, err)
			return
		}

		results := s.deps.Retrier.RetryMessages(r.Context(), req.MessageIDs)
		s.logger.WithField("count", len(results)).Info("Manual retry requested")
		writeJSON(w, http.StatusOK, map[string]any{"results": results})
	}
}

func (s *Server) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.deps.Store.CountByStatus(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if counts == nil {
			counts = []models.StatusCount{}
		}

		resp := statusResponse{Messages: counts, Timestamp: s.deps.Clock.Now()}
		if s.deps.Queue != nil {
			stats, err := s.deps.Queue.Stats(r.Context())
			if err != nil {
				s.writeError(w, r, apperrors.NewQueueError("stats", err))
				return
			}
			resp.Queue = &stats
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleCleanup() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := intParam(r.URL.Query().Get("days"), constants.DefaultManualCleanupDays)
		if err := validation.ValidateRetentionDays(days); err != nil {
			s.writeError(w, r, err)
			return
		}

		deleted, err := s.deps.Purger.PurgeDelivered(r.Context(), time.Duration(days)*24*time.Hour)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.logger.WithFields(logrus.Fields{"deleted": deleted, "days": days}).Info("Manual cleanup completed")
		writeJSON(w, http.StatusOK, cleanupResponse{Deleted: deleted, Days: days})
	}
}

func (s *Server) handleStatistics() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := r.URL.Query()
		end := s.deps.Clock.Now()
		start := end.Add(-24 * time.Hour)

		if t, err := timeParam(params.Get("startDate")); err != nil {
			s.writeError(w, r, apperrors.NewInvalidInputError("startDate", err.Error()))
			return
		} else if t != nil {
			start = *t
		}
		if t, err := timeParam(params.Get("endDate")); err != nil {
			s.writeError(w, r, apperrors.NewInvalidInputError("endDate", err.Error()))
			return
		} else if t != nil {
			end = *t
		}
		if end.Before(start) {
			s.writeError(w, r, apperrors.NewInvalidInputError("endDate", "endDate must not be before startDate"))
			return
		}

		stats, err := s.deps.Store.Statistics(r.Context(), start, end)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statisticsResponse{DeliveryStatistics: stats, StartDate: start, EndDate: end})
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	requestID := tracing.GetRequestID(r.Context())
	status := apperrors.HTTPStatusCode(err)

	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		"request_id": requestID,
		"path":       r.URL.Path,
		"error_code": apperrors.GetCode(err),
	})
	if status >= http.StatusInternalServerError {
		entry.Error("API request failed")
	} else {
		entry.Warn("API request rejected")
	}

	writeJSON(w, status, apperrors.ToHTTPResponse(err, requestID))
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// timeParam accepts RFC 3339 timestamps, plain dates and unix milliseconds.
func timeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return &t, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInvalidInput, "unrecognized date "+strconv.Quote(raw))
	}
	t := time.UnixMilli(ms).UTC()
	return &t, nil
}

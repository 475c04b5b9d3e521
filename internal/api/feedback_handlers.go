package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/yegors/co-desk/internal/storage/sqlite"
	"github.com/yegors/co-desk/pkg/logger"
)

// CreateFeedback records an answer the user may rate later
func (h *Handler) CreateFeedback(w http.ResponseWriter, r *http.Request) {
	if h.feedbackStorage == nil {
		http.Error(w, "Feedback storage not available", http.StatusServiceUnavailable)
		return
	}

	var rec sqlite.FeedbackRecord
	if !h.decode(w, r, &rec) {
		return
	}
	if rec.OriginalQuery == "" || rec.Answer == "" {
		http.Error(w, "original_query and ai_response are required", http.StatusBadRequest)
		return
	}
	// ratings only arrive through SubmitFeedback
	rec.Rating, rec.RatedAt = "", nil

	feedbackID, err := h.feedbackStorage.CreatePending(r.Context(), &rec)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]string{"feedback_id": feedbackID})
}

// GetFeedback returns one feedback record
func (h *Handler) GetFeedback(w http.ResponseWriter, r *http.Request) {
	if h.feedbackStorage == nil {
		http.Error(w, "Feedback storage not available", http.StatusServiceUnavailable)
		return
	}

	rec, err := h.feedbackStorage.Get(r.Context(), chi.URLParam(r, "feedbackID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, rec)
}

type ratingRequest struct {
	Rating string `json:"rating"`
}

// SubmitFeedback stores the user's rating. A "no" opens a support ticket for
// the rated answer.
func (h *Handler) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	if h.feedbackStorage == nil {
		http.Error(w, "Feedback storage not available", http.StatusServiceUnavailable)
		return
	}

	feedbackID := chi.URLParam(r, "feedbackID")
	var body ratingRequest
	if !h.decode(w, r, &body) {
		return
	}

	rec, err := h.feedbackStorage.Submit(r.Context(), feedbackID, body.Rating)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := map[string]any{
		"feedback_id": rec.FeedbackID,
		"rating":      rec.Rating,
	}

	if rec.Rating == sqlite.RatingNo {
		sessionID, err := h.service.NegativeFeedback(r.Context(), rec)
		if err != nil {
			// the rating is stored either way
			h.logger.Error("Failed to open ticket for negative feedback",
				logger.String("feedback_id", feedbackID),
				logger.Error(err))
		} else {
			response["session_id"] = sessionID
		}
	}

	WriteJSON(w, http.StatusOK, response)
}

// GetFeedbackAnalytics aggregates submitted ratings. start and end are
// YYYY-MM-DD dates, end inclusive.
func (h *Handler) GetFeedbackAnalytics(w http.ResponseWriter, r *http.Request) {
	if h.feedbackStorage == nil {
		http.Error(w, "Feedback storage not available", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	filter := sqlite.AnalyticsFilter{Category: q.Get("category")}

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			http.Error(w, "start must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.Start = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			http.Error(w, "end must be YYYY-MM-DD", http.StatusBadRequest)
			return
		}
		filter.End = t.Add(24*time.Hour - time.Microsecond)
	}

	analytics, err := h.feedbackStorage.Analytics(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, analytics)
}

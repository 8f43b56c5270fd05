package httpx

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/haukened/fleeting/internal/domain"
)

type readResponse struct {
	Text       string     `json:"text"`
	Views      int        `json:"views"`
	MaxViews   *int       `json:"maxViews"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	IsLastView bool       `json:"isLastView"`
}

type statusResponse struct {
	Views     int        `json:"views"`
	MaxViews  *int       `json:"maxViews"`
	ExpiresAt *time.Time `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
}

// policyFields flattens a policy into its nullable wire fields.
func policyFields(p domain.Policy) (maxViews *int, expiresAt *time.Time) {
	if mv, ok := p.MaxViews(); ok {
		maxViews = &mv
	}
	if t, ok := p.ExpiresAt(); ok {
		t = t.UTC()
		expiresAt = &t
	}
	return maxViews, expiresAt
}

// handleRead implements GET /api/text/{id}. Every call consumes one view.
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.ReadEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	mv, exp := policyFields(v.Policy)
	writeJSON(w, http.StatusOK, readResponse{
		Text:       v.Text,
		Views:      v.Views,
		MaxViews:   mv,
		ExpiresAt:  exp,
		IsLastView: v.IsLastView,
	})
}

// handleStatus implements GET /api/text/{id}/status without consuming a view.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.Service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.mapServiceError(r.Context(), w, err)
		return
	}
	mv, exp := policyFields(st.Policy)
	writeJSON(w, http.StatusOK, statusResponse{
		Views:     st.Views,
		MaxViews:  mv,
		ExpiresAt: exp,
		CreatedAt: st.CreatedAt.UTC(),
	})
}

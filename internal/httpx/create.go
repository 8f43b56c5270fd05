package httpx

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// A text of MaxBody bytes may grow up to sixfold once JSON-escaped (\uXXXX per
// byte of a BMP rune, two escapes per 4-byte rune). jsonOverhead covers the
// field names. The service enforces the exact text limit.
const (
	maxEscapeRatio = 6
	jsonOverhead   = 4 << 10
)

type createRequest struct {
	Text            string      `json:"text"`
	ExpirationType  string      `json:"expirationType"`
	ExpirationValue json.Number `json:"expirationValue"`
}

type createResponse struct {
	ID string `json:"id"`
}

// handleCreate implements POST /api/text.
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	body := r.Body
	if h.MaxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, maxEscapeRatio*h.MaxBody+jsonOverhead)
	}
	defer body.Close()

	var req createRequest
	dec := json.NewDecoder(body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			h.writeError(ctx, w, http.StatusRequestEntityTooLarge, "text too large")
			return
		}
		h.writeError(ctx, w, http.StatusBadRequest, "invalid json body")
		return
	}
	value, err := parseExpirationValue(req.ExpirationValue)
	if err != nil {
		h.writeError(ctx, w, http.StatusBadRequest, "expirationValue must be a positive integer")
		return
	}
	id, err := h.Service.CreateEntry(ctx, req.Text, req.ExpirationType, value)
	if err != nil {
		h.mapServiceError(ctx, w, err)
		return
	}
	writeJSON(w, http.StatusOK, createResponse{ID: id.String()})
}

// parseExpirationValue accepts only integral JSON numbers that fit an int.
// Range checks are left to the domain.
func parseExpirationValue(n json.Number) (int, error) {
	if n == "" {
		return 0, errors.New("missing")
	}
	return strconv.Atoi(n.String())
}

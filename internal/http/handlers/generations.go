package handlers

import (
	"net/http"

	"imagepage/internal/domain"
	"imagepage/internal/middleware"
)

const maxRequestBody = 1 << 20

func (a *App) decodeGeneration(r *http.Request) (domain.GenerationRequest, error) {
	var req domain.GenerationRequest
	if err := decodeJSON(r, maxRequestBody, &req); err != nil {
		return req, err
	}
	req.RequestID = middleware.RequestIDFromContext(r.Context())
	return req, nil
}

// CreateGeneration runs a generation to completion within the request. Variant
// failures are reported next to the images; only a batch where every variant
// failed is answered with an error status.
func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	req, err := a.decodeGeneration(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.Generator.Generate(r.Context(), req, nil)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if len(res.Images) == 0 {
		locale := middleware.LocaleFromContext(r.Context())
		a.json(w, http.StatusBadGateway, map[string]errorBody{"error": {
			Code:     "all_failed",
			Message:  localize(locale, msgAllFailed),
			Failures: res.Failures,
		}})
		return
	}
	a.json(w, http.StatusOK, res)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/unicitynetwork/otcbroker/engine"
	"github.com/unicitynetwork/otcbroker/storage"
)

// createDeal handles POST /deals. It validates both trade legs, records the
// deal in stage CREATED and returns the deal ID with the two fill tokens.
func (a *API) createDeal(w http.ResponseWriter, r *http.Request) {
	req := &engine.CreateDealRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	result, err := a.engine.CreateDeal(req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpWriteJSON(w, result)
}

// dealStatus handles GET /deals/{dealId}.
func (a *API) dealStatus(w http.ResponseWriter, r *http.Request) {
	dealID := chi.URLParam(r, DealURLParam)
	if dealID == "" {
		ErrMalformedParam.Withf("missing deal ID").Write(w)
		return
	}
	status, err := a.engine.Status(r.Context(), dealID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpWriteJSON(w, status)
}

// fillPartyDetails handles POST /deals/details. The token in the body
// authenticates the caller as one side of the deal; the response carries
// the escrow account to fund.
func (a *API) fillPartyDetails(w http.ResponseWriter, r *http.Request) {
	req := &engine.FillDetailsRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	escrow, err := a.engine.FillPartyDetails(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	httpWriteJSON(w, escrow)
}

type cancelDealRequest struct {
	Token string `json:"token"`
}

// cancelDeal handles POST /deals/cancel. Permitted only before any deposit
// has been observed.
func (a *API) cancelDeal(w http.ResponseWriter, r *http.Request) {
	req := &cancelDealRequest{}
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		ErrMalformedBody.WithErr(err).Write(w)
		return
	}
	if err := a.engine.CancelDeal(req.Token); err != nil {
		writeEngineError(w, err)
		return
	}
	httpWriteOK(w)
}

// writeEngineError maps engine and storage sentinel errors onto the API
// error catalogue.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		ErrDealNotFound.WithErr(err).Write(w)
	case errors.Is(err, engine.ErrInvalidRequest):
		ErrInvalidDealRequest.WithErr(err).Write(w)
	case errors.Is(err, engine.ErrDetailsLocked):
		ErrDetailsLocked.WithErr(err).Write(w)
	case errors.Is(err, engine.ErrStageMismatch):
		ErrDealStageMismatch.WithErr(err).Write(w)
	case errors.Is(err, engine.ErrNotCancellable):
		ErrDealNotCancellable.WithErr(err).Write(w)
	case errors.Is(err, storage.ErrConflictingOperation):
		ErrConflictingOperation.WithErr(err).Write(w)
	case errors.Is(err, storage.ErrAccountHalted):
		ErrAccountHalted.WithErr(err).Write(w)
	default:
		ErrGenericInternalServerError.WithErr(err).Write(w)
	}
}

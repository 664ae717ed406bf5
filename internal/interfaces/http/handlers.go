package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tradegate/internal/apperr"
	"tradegate/internal/consent"
	"tradegate/internal/governor"
	"tradegate/internal/policy"
)

// executeRequest is the /v1/execute body. Exactly one variant must be set and
// it must match kind.
type executeRequest struct {
	Kind           string                 `json:"kind"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Swap           *policy.Swap           `json:"swap,omitempty"`
	TransferNative *policy.TransferNative `json:"transfer_native,omitempty"`
	CexOrder       *policy.CexOrder       `json:"cex_order,omitempty"`
}

func (r *executeRequest) action() (policy.Action, *apperr.Error) {
	var actions []policy.Action
	if r.Swap != nil {
		actions = append(actions, *r.Swap)
	}
	if r.TransferNative != nil {
		actions = append(actions, *r.TransferNative)
	}
	if r.CexOrder != nil {
		actions = append(actions, *r.CexOrder)
	}
	if len(actions) != 1 {
		return nil, apperr.New(apperr.CodeInvalidRequest,
			"exactly one of swap, transfer_native, cex_order must be provided")
	}
	action := actions[0]
	if r.Kind != "" && r.Kind != string(action.ActionKind()) {
		return nil, apperr.Newf(apperr.CodeInvalidRequest,
			"kind %q does not match provided action %q", r.Kind, string(action.ActionKind()))
	}
	return action, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeData(w, map[string]interface{}{
		"status":  "ok",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"mode":    string(s.app.Governor.Mode()),
		"consent": s.app.Consent.Status(),
		"profile": s.app.Profiles.Active,
	})
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	action, aerr := req.action()
	if aerr != nil {
		writeError(w, aerr)
		return
	}
	dec, derr := s.app.Governor.Execute(r.Context(), action, req.IdempotencyKey)
	if derr != nil {
		writeError(w, derr)
		return
	}
	writeData(w, dec)
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	infos, err := s.app.Governor.ListPending()
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]interface{}{"pending": infos})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	var body struct {
		ConfirmToken string `json:"confirm_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	dec, derr := s.app.Governor.Confirm(r.Context(), requestID, body.ConfirmToken)
	if derr != nil {
		writeError(w, derr)
		return
	}
	writeData(w, dec)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["id"]
	if err := s.app.Governor.Cancel(r.Context(), requestID); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]interface{}{"request_id": requestID, "status": string(governor.StatusCancelled)})
}

func (s *Server) handleGetConsent(w http.ResponseWriter, r *http.Request) {
	tier := consent.Tier(mux.Vars(r)["tier"])
	disclosure, err := s.app.Consent.GetDisclosure(tier)
	if err != nil {
		writeError(w, apperr.From(err))
		return
	}
	_, accepted := s.app.Consent.AcceptedAt(tier)
	writeData(w, map[string]interface{}{
		"tier":       string(tier),
		"disclosure": disclosure,
		"accepted":   accepted,
	})
}

func (s *Server) handleAcceptConsent(w http.ResponseWriter, r *http.Request) {
	tier := consent.Tier(mux.Vars(r)["tier"])
	var body struct {
		Accept bool `json:"accept"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if !body.Accept {
		writeError(w, apperr.New(apperr.CodeInvalidRequest, "accept must be true to record consent"))
		return
	}
	if err := s.app.Consent.Accept(tier); err != nil {
		writeError(w, apperr.From(err))
		return
	}
	writeData(w, s.app.Consent.Status())
}

func (s *Server) handleGetOverrides(w http.ResponseWriter, r *http.Request) {
	overrides, active := s.app.Policy.Overrides()
	writeData(w, map[string]interface{}{"overrides": overrides, "active": active})
}

func (s *Server) handleSetOverrides(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Overrides map[string]float64 `json:"overrides"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.app.Policy.SetOverrides(body.Overrides); err != nil {
		writeError(w, err)
		return
	}
	overrides, active := s.app.Policy.Overrides()
	writeData(w, map[string]interface{}{"overrides": overrides, "active": active})
}

func (s *Server) handleApplyProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	profile, perr := s.app.ApplyProfile(body.Name)
	if perr != nil {
		writeError(w, perr)
		return
	}
	writeData(w, map[string]interface{}{
		"profile":     body.Name,
		"description": profile.Description,
		"overrides":   profile.Overrides,
	})
}

func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.app.Governor.SetMode(governor.Mode(body.Mode)); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, map[string]interface{}{"mode": body.Mode})
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	result, err := s.app.Bus.GetTicker(r.Context(), symbol)
	if err != nil {
		writeError(w, apperr.From(err))
		return
	}
	writeData(w, result)
}

func (s *Server) handleMarketDataStatus(w http.ResponseWriter, r *http.Request) {
	writeData(w, s.app.Bus.Status())
}

// decodeBody parses a JSON body, tolerating an empty body for endpoints whose
// fields are all optional.
func decodeBody(r *http.Request, dst interface{}) *apperr.Error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Newf(apperr.CodeInvalidRequest, "invalid JSON body: %v", err)
	}
	return nil
}

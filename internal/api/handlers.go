package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/example/tunjiax-agent/internal/auth"
	"github.com/example/tunjiax-agent/internal/beneficiary"
	"github.com/example/tunjiax-agent/internal/biometric"
	"github.com/example/tunjiax-agent/internal/dialogue"
	"github.com/example/tunjiax-agent/internal/ledger"
	"github.com/example/tunjiax-agent/internal/money"
	"github.com/example/tunjiax-agent/internal/security"
	"github.com/example/tunjiax-agent/internal/session"
	"github.com/example/tunjiax-agent/internal/vault"
	"github.com/example/tunjiax-agent/pkg/audit"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

type chatResponse struct {
	CorrelationID string        `json:"correlation_id"`
	SessionID     string        `json:"session_id"`
	Reply         string        `json:"reply"`
	Signal        string        `json:"signal,omitempty"`
	State         session.State `json:"state"`
	Code          string        `json:"code,omitempty"`
}

func newChatResponse(r *http.Request, reply dialogue.Reply) chatResponse {
	return chatResponse{
		CorrelationID: security.CorrelationIDFromContext(r.Context()),
		SessionID:     reply.SessionID,
		Reply:         reply.Text,
		Signal:        reply.Signal,
		State:         reply.State,
		Code:          reply.Code,
	}
}

type biometricRequest struct {
	Image    string `json:"image"`
	Verified *bool  `json:"verified"`
}

type biometricResponse struct {
	chatResponse
	Verified bool     `json:"verified"`
	Distance *float64 `json:"distance,omitempty"`
}

type accountResponse struct {
	CorrelationID string `json:"correlation_id"`
	AccountNumber string `json:"account_number"`
	HolderName    string `json:"holder_name"`
	BalanceKobo   int64  `json:"balance_kobo"`
	Balance       string `json:"balance"`
}

type transactionsResponse struct {
	CorrelationID string               `json:"correlation_id"`
	Transactions  []ledger.Transaction `json:"transactions"`
}

type beneficiariesResponse struct {
	CorrelationID string                    `json:"correlation_id"`
	Beneficiaries []beneficiary.Beneficiary `json:"beneficiaries"`
}

type addBeneficiaryRequest struct {
	Alias         string `json:"alias"`
	AccountName   string `json:"account_name"`
	AccountNumber string `json:"account_number"`
	BankName      string `json:"bank_name"`
}

type beneficiaryResponse struct {
	CorrelationID string                   `json:"correlation_id"`
	Beneficiary   *beneficiary.Beneficiary `json:"beneficiary"`
}

type enrollRequest struct {
	Image string `json:"image"`
}

type enrollResponse struct {
	CorrelationID string `json:"correlation_id"`
	ContentType   string `json:"content_type"`
	KeyID         string `json:"key_id"`
	EnrolledAt    string `json:"enrolled_at"`
}

type historyResponse struct {
	CorrelationID string         `json:"correlation_id"`
	SessionID     string         `json:"session_id"`
	State         session.State  `json:"state"`
	Turns         []session.Turn `json:"turns"`
}

func principal(w http.ResponseWriter, r *http.Request) (*auth.Principal, bool) {
	p, ok := auth.PrincipalFromContext(r.Context())
	if !ok {
		security.WriteJSONError(w, r, http.StatusUnauthorized, "unauthorized")
	}
	return p, ok
}

func handleChat(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Conversations == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "agent_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		if req.SessionID == "" {
			req.SessionID = uuid.NewString()
		}

		reply, err := deps.Conversations.HandleTurn(r.Context(), req.SessionID, p.UserID, req.Text)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, newChatResponse(r, reply))
	}
}

func handleBiometric(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Conversations == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "agent_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}
		sessionID := chi.URLParam(r, "id")

		var req biometricRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		var resp biometricResponse
		if req.Verified != nil {
			if !p.HasScope(auth.ScopeBiometricAttest) {
				security.WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			resp.Verified = *req.Verified
		} else {
			if !p.HasScope(auth.ScopeBanking) {
				security.WriteJSONError(w, r, http.StatusForbidden, "forbidden")
				return
			}
			if deps.Faces == nil {
				security.WriteJSONError(w, r, http.StatusServiceUnavailable, "verifier_unavailable")
				return
			}
			probe, err := decodeImage(req.Image)
			if err != nil || len(probe) == 0 {
				security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "image must be base64")
				return
			}

			cmp, err := deps.Faces.Verify(r.Context(), p.UserID, probe)
			switch {
			case errors.Is(err, biometric.ErrNotEnrolled):
				security.WriteJSONErrorMessage(w, r, http.StatusPreconditionFailed, "biometric_not_enrolled", "Enroll a reference photo before verifying.")
				return
			case err != nil:
				// The staged transfer stays pending so the client can retry.
				deps.Logger.WarnContext(r.Context(), "face verification unavailable", "session_id", sessionID, "error", err)
				security.WriteJSONError(w, r, http.StatusServiceUnavailable, "verifier_unavailable")
				return
			}
			resp.Verified = cmp.Verified
			resp.Distance = &cmp.Distance
		}

		reply, err := deps.Conversations.ResolveBiometric(r.Context(), sessionID, p.UserID, resp.Verified)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		resp.chatResponse = newChatResponse(r, reply)
		writeJSON(w, r, http.StatusOK, resp)
	}
}

func handleSessionHistory(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Conversations == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "agent_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		s, err := deps.Conversations.History(r.Context(), chi.URLParam(r, "id"), p.UserID)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, historyResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			SessionID:     s.ID,
			State:         s.State,
			Turns:         s.Turns,
		})
	}
}

func handleResetSession(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Conversations == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "agent_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		if err := deps.Conversations.Reset(r.Context(), chi.URLParam(r, "id"), p.UserID); err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleAccount(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Accounts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		acc, err := deps.Accounts.Balance(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, accountResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			AccountNumber: acc.AccountNumber,
			HolderName:    acc.HolderName,
			BalanceKobo:   acc.Balance,
			Balance:       money.Format(acc.Balance),
		})
	}
}

func handleTransactions(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Accounts == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "ledger_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				limit = i
			}
		}

		txns, err := deps.Accounts.History(r.Context(), p.UserID, limit)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		if txns == nil {
			txns = []ledger.Transaction{}
		}
		writeJSON(w, r, http.StatusOK, transactionsResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Transactions:  txns,
		})
	}
}

func handleListBeneficiaries(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Beneficiaries == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "directory_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		list, err := deps.Beneficiaries.List(r.Context(), p.UserID)
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		if list == nil {
			list = []beneficiary.Beneficiary{}
		}
		writeJSON(w, r, http.StatusOK, beneficiariesResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Beneficiaries: list,
		})
	}
}

func handleAddBeneficiary(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Beneficiaries == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "directory_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		var req addBeneficiaryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		b, err := deps.Beneficiaries.Add(r.Context(), beneficiary.NewBeneficiary{
			UserID:        p.UserID,
			Alias:         req.Alias,
			AccountName:   req.AccountName,
			AccountNumber: req.AccountNumber,
			BankName:      req.BankName,
		})
		if err != nil {
			writeError(w, r, deps.Logger, err)
			return
		}
		writeJSON(w, r, http.StatusCreated, beneficiaryResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			Beneficiary:   b,
		})
	}
}

func handleEnrollReference(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.References == nil {
			security.WriteJSONError(w, r, http.StatusServiceUnavailable, "vault_unavailable")
			return
		}
		p, ok := principal(w, r)
		if !ok {
			return
		}

		var req enrollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			security.WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}
		img, err := decodeImage(req.Image)
		if err != nil {
			security.WriteJSONErrorMessage(w, r, http.StatusBadRequest, "validation_error", "image must be base64")
			return
		}

		ref, err := deps.References.Enroll(r.Context(), p.UserID, img)
		if err != nil {
			if errors.Is(err, vault.ErrUnsupportedImage) {
				security.WriteJSONErrorMessage(w, r, http.StatusUnprocessableEntity, "unsupported_image", "Reference must be a JPEG or PNG image.")
				return
			}
			writeError(w, r, deps.Logger, err)
			return
		}
		if deps.Auditor != nil {
			if _, err := deps.Auditor.Record(r.Context(), audit.Event{
				Type:  audit.EventReferenceEnrolled,
				Actor: p.UserID,
				Attrs: map[string]any{"key_id": ref.KeyID, "content_type": ref.ContentType},
			}); err != nil {
				deps.Logger.WarnContext(r.Context(), "failed to record audit event", "type", audit.EventReferenceEnrolled, "error", err)
			}
		}
		writeJSON(w, r, http.StatusOK, enrollResponse{
			CorrelationID: security.CorrelationIDFromContext(r.Context()),
			ContentType:   ref.ContentType,
			KeyID:         ref.KeyID,
			EnrolledAt:    ref.EnrolledAt.Format(time.RFC3339),
		})
	}
}

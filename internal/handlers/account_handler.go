package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/clearbook/backend/internal/services"
)

type AccountHandler struct {
	accounts  *services.AccountService
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewAccountHandler(accounts *services.AccountService, ledger *services.LedgerService) *AccountHandler {
	return &AccountHandler{
		accounts:  accounts,
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// CreateAccount registers a new account for a user.
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"userId" validate:"required"`
		Name   string `json:"name" validate:"required"`
		Type   string `json:"type" validate:"required"`
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1_048_576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return
	}

	if err := h.validator.ValidateStruct(&req); err != nil {
		services.SendErrorResponse(w, "Missing required fields: userId, name, type", http.StatusBadRequest, err)
		return
	}

	account, err := h.accounts.CreateAccount(r.Context(), req.UserID, req.Name, req.Type)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(account)
}

// GetBalance resolves an account's derived balance. Unknown accounts
// resolve to zero rather than 404; registry metadata is included when
// the account row exists.
func (h *AccountHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	if _, err := uuid.Parse(accountID); err != nil {
		services.SendErrorResponse(w, "Invalid account id", http.StatusBadRequest, nil)
		return
	}

	balance, err := h.ledger.GetBalance(r.Context(), accountID)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	response := map[string]any{
		"accountId": accountID,
		"balance":   balance,
	}
	account, err := h.accounts.GetAccount(r.Context(), accountID)
	switch {
	case err == nil:
		response["name"] = account.Name
		response["type"] = account.Type
	case !errors.Is(err, services.ErrAccountNotFound):
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

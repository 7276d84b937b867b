package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/clearbook/backend/internal/services"
)

type TransferHandler struct {
	ledger    *services.LedgerService
	validator *services.ValidationHelper
}

func NewTransferHandler(ledger *services.LedgerService) *TransferHandler {
	return &TransferHandler{
		ledger:    ledger,
		validator: services.NewValidationHelper(),
	}
}

// Transfer moves funds between two accounts atomically.
func (h *TransferHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FromAccountID string      `json:"fromAccountId" validate:"required,uuid"`
		ToAccountID   string      `json:"toAccountId" validate:"required,uuid"`
		Amount        amountField `json:"amount" validate:"required"`
		Description   string      `json:"description"`
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
		services.SendErrorResponse(w, "Missing fields: fromAccountId, toAccountId, amount", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, req.Amount.String(), req.Description)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// Deposit credits an account with new funds.
func (h *TransferHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AccountID   string      `json:"accountId" validate:"required,uuid"`
		Amount      amountField `json:"amount" validate:"required"`
		Description string      `json:"description"`
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
		services.SendErrorResponse(w, "Missing fields: accountId, amount", http.StatusBadRequest, err)
		return
	}

	result, err := h.ledger.Deposit(r.Context(), req.AccountID, req.Amount.String(), req.Description)
	if err != nil {
		services.SendServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

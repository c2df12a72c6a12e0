/**
 * @description
 * This file contains the HTTP handlers for the card-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the business
 * logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cardledger/card-service/internal/app"
	"github.com/cardledger/card-service/internal/domain"
	"github.com/cardledger/card-service/internal/pan"
	"github.com/cardledger/card-service/internal/store"
)

// CardHandlers holds the application service that handlers will use.
type CardHandlers struct {
	service *app.Service
}

// NewCardHandlers creates a new instance of CardHandlers.
func NewCardHandlers(service *app.Service) *CardHandlers {
	return &CardHandlers{service: service}
}

// createCardPayload is the wire shape for card creation. The expiry date is
// accepted as either a bare date (2027-09-30) or RFC 3339.
type createCardPayload struct {
	PAN        string     `json:"pan"`
	CardHolder string     `json:"card_holder"`
	ExpiryDate string     `json:"expiry_date"`
	Balance    int64      `json:"balance"` // in cents
	OwnerID    *uuid.UUID `json:"owner_id,omitempty"`
}

type updateCardPayload struct {
	CardHolder string `json:"card_holder"`
	ExpiryDate string `json:"expiry_date"`
}

type transferPayload struct {
	FromCardID uuid.UUID `json:"from_card_id"`
	ToCardID   uuid.UUID `json:"to_card_id"`
	Amount     int64     `json:"amount"` // in cents
}

func parseExpiryDate(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if t, err := time.Parse("2006-01-02", trimmed); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, trimmed)
}

// mapCardError translates domain errors into HTTP responses. Concurrency
// conflicts are the only retryable kind and carry a Retry-After hint; crypto
// failures stay opaque so no key or cipher detail ever reaches a caller.
func mapCardError(w http.ResponseWriter, err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrCardNotFound):
		return http.StatusNotFound, "Card not found."
	case errors.Is(err, store.ErrSourceCardNotFound),
		errors.Is(err, store.ErrDestinationCardNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, app.ErrUnauthorized):
		return http.StatusForbidden, "You are not authorized to access this card."
	case errors.Is(err, store.ErrCardNotActive):
		return http.StatusConflict, "One of the cards is blocked or expired."
	case errors.Is(err, store.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity, "Insufficient funds on source card."
	case errors.Is(err, store.ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		return http.StatusConflict, "Card is locked by a concurrent operation. Retry shortly."
	case errors.Is(err, app.ErrTransferRateLimited):
		w.Header().Set("Retry-After", "60")
		return http.StatusTooManyRequests, "Too many transfers. Retry shortly."
	case errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrSameCard),
		errors.Is(err, app.ErrNegativeBalance),
		errors.Is(err, app.ErrInvalidPAN),
		errors.Is(err, app.ErrHolderRequired):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, pan.ErrEncryptionFailure),
		errors.Is(err, pan.ErrDecryptionFailure):
		return http.StatusInternalServerError, "Could not process card data."
	}
	return http.StatusInternalServerError, "Could not process card request."
}

func (h *CardHandlers) handleServiceError(w http.ResponseWriter, endpoint string, principal domain.Principal, err error) {
	status, message := mapCardError(w, err)
	if status == http.StatusInternalServerError {
		log.Printf("level=error component=api endpoint=%s outcome=failed principal_id=%s err=%v", endpoint, principal.ID, err)
	}
	h.writeError(w, status, message)
}

func (h *CardHandlers) requirePrincipal(w http.ResponseWriter, r *http.Request) (domain.Principal, bool) {
	principal, ok := GetPrincipal(r.Context())
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "Could not get user ID from context")
		return domain.Principal{}, false
	}
	return principal, true
}

// CreateCardHandler handles POST /cards.
func (h *CardHandlers) CreateCardHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var payload createCardPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload.")
		return
	}
	expiry, err := parseExpiryDate(payload.ExpiryDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid expiry date.")
		return
	}

	view, err := h.service.CreateCard(r.Context(), principal, domain.CreateCardRequest{
		PAN:        payload.PAN,
		CardHolder: payload.CardHolder,
		ExpiryDate: expiry,
		Balance:    payload.Balance,
		OwnerID:    payload.OwnerID,
	})
	if err != nil {
		h.handleServiceError(w, "create_card", principal, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, view)
}

// ListCardsHandler handles GET /cards.
func (h *CardHandlers) ListCardsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	views, err := h.service.ListCards(r.Context(), principal)
	if err != nil {
		h.handleServiceError(w, "list_cards", principal, err)
		return
	}

	h.writeJSON(w, http.StatusOK, views)
}

// SearchCardsHandler handles GET /cards/search with OR-combined holder/status
// filters and limit/offset pagination. An unrecognized status token is
// silently dropped, not rejected.
func (h *CardHandlers) SearchCardsHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	limit, err := parseOptionalNonNegativeInt(r.URL.Query().Get("limit"), 20)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := parseOptionalNonNegativeInt(r.URL.Query().Get("offset"), 0)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}

	opts := domain.CardListOptions{
		Limit:  limit,
		Offset: offset,
		Search: strings.TrimSpace(r.URL.Query().Get("q")),
	}
	if status, valid := domain.ParseCardStatus(r.URL.Query().Get("status")); valid {
		opts.Status = &status
	}

	views, err := h.service.ListCardsFiltered(r.Context(), principal, opts)
	if err != nil {
		h.handleServiceError(w, "search_cards", principal, err)
		return
	}

	h.writeJSON(w, http.StatusOK, views)
}

// GetCardHandler handles GET /cards/{id}.
func (h *CardHandlers) GetCardHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	cardID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid card ID")
		return
	}

	view, err := h.service.GetCard(r.Context(), principal, cardID)
	if err != nil {
		h.handleServiceError(w, "get_card", principal, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// UpdateCardHandler handles PUT /cards/{id}. Only holder and expiry change.
func (h *CardHandlers) UpdateCardHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	cardID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid card ID")
		return
	}

	var payload updateCardPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload.")
		return
	}
	expiry, err := parseExpiryDate(payload.ExpiryDate)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid expiry date.")
		return
	}

	view, err := h.service.UpdateCard(r.Context(), principal, cardID, domain.UpdateCardRequest{
		CardHolder: payload.CardHolder,
		ExpiryDate: expiry,
	})
	if err != nil {
		h.handleServiceError(w, "update_card", principal, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// DeleteCardHandler handles DELETE /cards/{id}.
func (h *CardHandlers) DeleteCardHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	cardID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid card ID")
		return
	}

	if err := h.service.DeleteCard(r.Context(), principal, cardID); err != nil {
		h.handleServiceError(w, "delete_card", principal, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// BlockCardHandler handles POST /cards/{id}/block.
func (h *CardHandlers) BlockCardHandler(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, "block_card", h.service.BlockCard)
}

// ActivateCardHandler handles POST /cards/{id}/activate.
func (h *CardHandlers) ActivateCardHandler(w http.ResponseWriter, r *http.Request) {
	h.changeStatus(w, r, "activate_card", h.service.ActivateCard)
}

func (h *CardHandlers) changeStatus(
	w http.ResponseWriter,
	r *http.Request,
	endpoint string,
	op func(ctx context.Context, principal domain.Principal, cardID uuid.UUID) (*domain.CardView, error),
) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}
	cardID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid card ID")
		return
	}

	view, err := op(r.Context(), principal, cardID)
	if err != nil {
		h.handleServiceError(w, endpoint, principal, err)
		return
	}

	h.writeJSON(w, http.StatusOK, view)
}

// TransferHandler handles POST /transfers.
func (h *CardHandlers) TransferHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := h.requirePrincipal(w, r)
	if !ok {
		return
	}

	var payload transferPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request payload.")
		return
	}

	result, err := h.service.Transfer(r.Context(), principal, domain.TransferRequest{
		FromCardID: payload.FromCardID,
		ToCardID:   payload.ToCardID,
		Amount:     payload.Amount,
	})
	if err != nil {
		h.handleServiceError(w, "transfer", principal, err)
		return
	}

	log.Printf("level=info component=api endpoint=transfer outcome=success principal_id=%s from=%s to=%s amount=%d",
		principal.ID, result.FromCardID, result.ToCardID, result.Amount)
	h.writeJSON(w, http.StatusOK, result)
}

func parseOptionalNonNegativeInt(raw string, fallback int) (int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(trimmed)
	if err != nil || value < 0 {
		return 0, fmt.Errorf("invalid value: %q", raw)
	}
	return value, nil
}

func (h *CardHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func (h *CardHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

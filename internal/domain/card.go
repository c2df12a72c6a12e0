/**
 * @description
 * This file defines the core domain models for the card-service. These structs
 * represent the card entity as it is persisted, the request payloads accepted by
 * the API layer, and the masked views returned to callers.
 *
 * @notes
 * - Balances and transfer amounts are stored as `int64` in the smallest currency
 *   unit (cents), which avoids floating-point inaccuracies with financial data.
 * - The persisted card only ever holds the encrypted PAN. `CardView` is the only
 *   shape that leaves the service, and it carries the masked rendering instead.
 */

package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// CardStatus enumerates the lifecycle states of a card.
type CardStatus string

const (
	CardStatusActive  CardStatus = "ACTIVE"
	CardStatusBlocked CardStatus = "BLOCKED"
	CardStatusExpired CardStatus = "EXPIRED"
)

// ParseCardStatus maps a caller-supplied token onto a CardStatus. Unrecognized
// tokens yield ok=false; callers treat that as "no status filter" rather than
// an error.
func ParseCardStatus(raw string) (CardStatus, bool) {
	switch CardStatus(strings.ToUpper(strings.TrimSpace(raw))) {
	case CardStatusActive:
		return CardStatusActive, true
	case CardStatusBlocked:
		return CardStatusBlocked, true
	case CardStatusExpired:
		return CardStatusExpired, true
	}
	return "", false
}

// Card is the persisted card record. This struct maps directly to the `cards`
// table in the database.
type Card struct {
	ID           uuid.UUID  `json:"id"`
	OwnerID      uuid.UUID  `json:"owner_id"`
	EncryptedPAN string     `json:"-"`
	CardHolder   string     `json:"card_holder"`
	ExpiryDate   time.Time  `json:"expiry_date"`
	Status       CardStatus `json:"status"`
	Balance      int64      `json:"balance"` // in cents
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CardView is the caller-facing projection of a card. The PAN appears only in
// its masked form.
type CardView struct {
	ID         uuid.UUID  `json:"id"`
	OwnerID    uuid.UUID  `json:"owner_id"`
	MaskedPAN  string     `json:"masked_pan"`
	CardHolder string     `json:"card_holder"`
	ExpiryDate time.Time  `json:"expiry_date"`
	Status     CardStatus `json:"status"`
	Balance    int64      `json:"balance"` // in cents
	CreatedAt  time.Time  `json:"created_at"`
}

// CreateCardRequest is the DTO for incoming card creation API requests.
// OwnerID is optional; when present and different from the caller it requires
// the admin capability.
type CreateCardRequest struct {
	PAN        string     `json:"pan"`
	CardHolder string     `json:"card_holder"`
	ExpiryDate time.Time  `json:"expiry_date"`
	Balance    int64      `json:"balance"` // in cents
	OwnerID    *uuid.UUID `json:"owner_id,omitempty"`
}

// UpdateCardRequest carries the only two mutable card attributes. PAN, status
// and balance are never updated through this path.
type UpdateCardRequest struct {
	CardHolder string    `json:"card_holder"`
	ExpiryDate time.Time `json:"expiry_date"`
}

// TransferRequest is the DTO for incoming card-to-card transfer API requests.
type TransferRequest struct {
	FromCardID uuid.UUID `json:"from_card_id"`
	ToCardID   uuid.UUID `json:"to_card_id"`
	Amount     int64     `json:"amount"` // in cents
}

// CardListOptions controls pagination and filtering for owner-scoped card
// listings. Search and Status combine with OR semantics: a card matches when
// its holder name contains Search (case-insensitive) or its status equals
// Status.
type CardListOptions struct {
	Limit  int
	Offset int
	Search string
	Status *CardStatus
}

// TransferResult reports the post-commit balances of both sides of a transfer.
type TransferResult struct {
	FromCardID  uuid.UUID `json:"from_card_id"`
	ToCardID    uuid.UUID `json:"to_card_id"`
	Amount      int64     `json:"amount"` // in cents
	FromBalance int64     `json:"from_balance"`
	ToBalance   int64     `json:"to_balance"`
	CompletedAt time.Time `json:"completed_at"`
}

// Principal identifies the authenticated caller of a service operation. Admin
// grants exactly one extra capability: assigning card ownership at creation.
type Principal struct {
	ID    uuid.UUID
	Admin bool
}

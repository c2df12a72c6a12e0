/**
 * @description
 * This file defines the data access layer interface for the card-service.
 * By defining an interface, we decouple the business logic (in the `app`
 * package) from the concrete database implementation, which improves
 * testability and maintainability.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cardledger/card-service/internal/domain"
)

// Repository defines the contract for all database operations on cards.
//
// Every mutation runs inside its own transaction and re-reads the target row
// with an exclusive lock before writing, so concurrent mutators of the same
// card serialize at the row. Plain reads never lock.
type Repository interface {
	// FindCardByID resolves a card regardless of owner. Callers are expected
	// to apply the ownership guard on the result.
	FindCardByID(ctx context.Context, id uuid.UUID) (*domain.Card, error)

	// FindCardsByOwner returns every card owned by the principal.
	FindCardsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Card, error)

	// FindCardsByOwnerFiltered returns owned cards matching the OR filter:
	// holder name contains opts.Search (case-insensitive) or status equals
	// opts.Status. A nil status filter never matches on the status side.
	FindCardsByOwnerFiltered(ctx context.Context, ownerID uuid.UUID, opts domain.CardListOptions) ([]domain.Card, error)

	// CreateCard persists a new card and fills in its store-assigned fields.
	CreateCard(ctx context.Context, card *domain.Card) error

	// UpdateCardDetails replaces holder and expiry on an owned card. PAN,
	// status and balance are untouched.
	UpdateCardDetails(ctx context.Context, id uuid.UUID, ownerID uuid.UUID, holder string, expiry time.Time) (*domain.Card, error)

	// UpdateCardStatus sets the status of an owned card.
	UpdateCardStatus(ctx context.Context, id uuid.UUID, ownerID uuid.UUID, status domain.CardStatus) (*domain.Card, error)

	// DeleteCard removes an owned card.
	DeleteCard(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error

	// Transfer atomically moves amount between two cards owned by ownerID.
	// Both balance updates commit together or not at all.
	Transfer(ctx context.Context, ownerID uuid.UUID, fromID uuid.UUID, toID uuid.UUID, amount int64) (*domain.TransferResult, error)
}

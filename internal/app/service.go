/**
 * @description
 * This file contains the core business logic for the card-service. The
 * `Service` struct orchestrates the card lifecycle (create, update, block,
 * activate, delete, list) and card-to-card transfers, coordinating between
 * the database repository, the PAN codec and the message broker.
 *
 * Key features:
 * - Ownership guard: every detail read and mutation verifies the acting
 *   principal owns the card before touching it.
 * - PAN protection: plaintext PANs exist only between request decode and
 *   encryption; callers only ever receive the masked rendering.
 * - Transfers delegate to the repository's single-transaction locking path,
 *   so the sum of both balances is preserved and neither ever goes negative.
 * - Publishes events to RabbitMQ for asynchronous processing by other
 *   services; publishing is best-effort and never fails the operation.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/cardledger/card-service/internal/domain"
	"github.com/cardledger/card-service/internal/pan"
	"github.com/cardledger/card-service/internal/store"
	"github.com/cardledger/card-service/pkg/rabbitmq"
)

var (
	// ErrUnauthorized is returned when the acting principal does not own the
	// card it is trying to read or mutate.
	ErrUnauthorized = errors.New("card does not belong to the requesting user")
	// ErrInvalidAmount rejects non-positive transfer amounts.
	ErrInvalidAmount = errors.New("transfer amount must be positive")
	// ErrSameCard rejects transfers where source and destination coincide.
	ErrSameCard = errors.New("source and destination cards must differ")
	// ErrNegativeBalance rejects card creation with a negative opening balance.
	ErrNegativeBalance = errors.New("opening balance must not be negative")
	// ErrInvalidPAN rejects card numbers that are not 12-19 digits.
	ErrInvalidPAN = errors.New("card number must be 12 to 19 digits")
	// ErrHolderRequired rejects card creation or update without a holder name.
	ErrHolderRequired = errors.New("card holder name is required")
	// ErrTransferRateLimited is returned when a principal exceeds the
	// configured transfer rate limit.
	ErrTransferRateLimited = errors.New("transfer rate limit exceeded")
)

// TransferRateLimiter throttles transfer attempts per principal. The limiter
// carries its own limit and window; a nil limiter disables throttling. When a
// transfer is denied, retryAfter tells the caller how long until the window
// frees up.
type TransferRateLimiter interface {
	Allow(ctx context.Context, subject string) (allowed bool, retryAfter time.Duration, err error)
}

// Service provides the core business logic for cards and transfers.
type Service struct {
	repo          store.Repository
	codec         *pan.Codec
	eventProducer rabbitmq.Publisher
	eventExchange string

	limiter TransferRateLimiter
}

// NewService creates a new card service instance.
func NewService(repo store.Repository, codec *pan.Codec, producer rabbitmq.Publisher, eventExchange string) *Service {
	if producer == nil {
		producer = &rabbitmq.EventProducerFallback{}
	}
	return &Service{
		repo:          repo,
		codec:         codec,
		eventProducer: producer,
		eventExchange: eventExchange,
	}
}

// SetTransferRateLimiter enables per-principal transfer throttling.
func (s *Service) SetTransferRateLimiter(limiter TransferRateLimiter) {
	s.limiter = limiter
}

// CreateCard validates and persists a new card with status ACTIVE. The owner
// defaults to the principal; assigning a different owner requires the admin
// capability, which is the only ownership bypass in the service.
func (s *Service) CreateCard(ctx context.Context, principal domain.Principal, req domain.CreateCardRequest) (*domain.CardView, error) {
	holder := req.CardHolder
	if holder == "" {
		return nil, ErrHolderRequired
	}
	if req.Balance < 0 {
		return nil, ErrNegativeBalance
	}
	digits := digitsOnly(req.PAN)
	if len(digits) < 12 || len(digits) > 19 {
		return nil, ErrInvalidPAN
	}

	ownerID := principal.ID
	if req.OwnerID != nil && *req.OwnerID != principal.ID {
		if !principal.Admin {
			return nil, ErrUnauthorized
		}
		ownerID = *req.OwnerID
	}

	encrypted, err := s.codec.Encrypt(digits)
	if err != nil {
		return nil, err
	}

	card := &domain.Card{
		OwnerID:      ownerID,
		EncryptedPAN: encrypted,
		CardHolder:   holder,
		ExpiryDate:   req.ExpiryDate,
		Status:       domain.CardStatusActive,
		Balance:      req.Balance,
	}
	if err := s.repo.CreateCard(ctx, card); err != nil {
		return nil, fmt.Errorf("failed to create card: %w", err)
	}

	s.publishLifecycleEvent(ctx, "card.created", card)
	return s.maskView(card)
}

// GetCard resolves a card and returns its masked view after the ownership
// guard.
func (s *Service) GetCard(ctx context.Context, principal domain.Principal, cardID uuid.UUID) (*domain.CardView, error) {
	card, err := s.resolveOwnedCard(ctx, principal, cardID)
	if err != nil {
		return nil, err
	}
	return s.maskView(card)
}

// ListCards returns masked views of every card owned by the principal.
func (s *Service) ListCards(ctx context.Context, principal domain.Principal) ([]domain.CardView, error) {
	cards, err := s.repo.FindCardsByOwner(ctx, principal.ID)
	if err != nil {
		return nil, err
	}
	return s.maskViews(cards)
}

// ListCardsFiltered returns masked views of owned cards matching the OR
// filter (holder substring OR status equality). An unrecognized status token
// has already been dropped by the caller via domain.ParseCardStatus.
func (s *Service) ListCardsFiltered(ctx context.Context, principal domain.Principal, opts domain.CardListOptions) ([]domain.CardView, error) {
	cards, err := s.repo.FindCardsByOwnerFiltered(ctx, principal.ID, opts)
	if err != nil {
		return nil, err
	}
	return s.maskViews(cards)
}

// UpdateCard replaces the holder name and expiry date of an owned card. PAN,
// status and balance are untouched.
func (s *Service) UpdateCard(ctx context.Context, principal domain.Principal, cardID uuid.UUID, req domain.UpdateCardRequest) (*domain.CardView, error) {
	if req.CardHolder == "" {
		return nil, ErrHolderRequired
	}
	if _, err := s.resolveOwnedCard(ctx, principal, cardID); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateCardDetails(ctx, cardID, principal.ID, req.CardHolder, req.ExpiryDate)
	if err != nil {
		return nil, err
	}
	return s.maskView(updated)
}

// BlockCard sets an owned card to BLOCKED unconditionally, regardless of its
// current status or expiry.
func (s *Service) BlockCard(ctx context.Context, principal domain.Principal, cardID uuid.UUID) (*domain.CardView, error) {
	if _, err := s.resolveOwnedCard(ctx, principal, cardID); err != nil {
		return nil, err
	}
	updated, err := s.repo.UpdateCardStatus(ctx, cardID, principal.ID, domain.CardStatusBlocked)
	if err != nil {
		return nil, err
	}
	s.publishLifecycleEvent(ctx, "card.blocked", updated)
	return s.maskView(updated)
}

// ActivateCard re-evaluates an owned card's status from its expiry date:
// EXPIRED when the expiry is before today, ACTIVE otherwise. Activating an
// already-expired card yields EXPIRED, not an error; expiry is only ever
// evaluated here, never by a background sweep.
func (s *Service) ActivateCard(ctx context.Context, principal domain.Principal, cardID uuid.UUID) (*domain.CardView, error) {
	card, err := s.resolveOwnedCard(ctx, principal, cardID)
	if err != nil {
		return nil, err
	}

	status := domain.CardStatusActive
	if card.ExpiryDate.Before(startOfToday()) {
		status = domain.CardStatusExpired
	}

	updated, err := s.repo.UpdateCardStatus(ctx, cardID, principal.ID, status)
	if err != nil {
		return nil, err
	}
	s.publishLifecycleEvent(ctx, "card.activated", updated)
	return s.maskView(updated)
}

// DeleteCard removes an owned card. The balance is not checked: deleting a
// card with a nonzero balance is permitted (see DESIGN.md).
func (s *Service) DeleteCard(ctx context.Context, principal domain.Principal, cardID uuid.UUID) error {
	card, err := s.resolveOwnedCard(ctx, principal, cardID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteCard(ctx, cardID, principal.ID); err != nil {
		return err
	}
	if card.Balance != 0 {
		log.Printf("level=warn component=app msg=\"card deleted with nonzero balance\" card_id=%s balance=%d", card.ID, card.Balance)
	}
	s.publishLifecycleEvent(ctx, "card.deleted", card)
	return nil
}

// Transfer atomically moves funds between two cards owned by the principal.
// Both cards must be ACTIVE and the source must cover the amount; the
// repository enforces both under row locks so concurrent transfers serialize
// and the balance invariant holds for any interleaving.
func (s *Service) Transfer(ctx context.Context, principal domain.Principal, req domain.TransferRequest) (*domain.TransferResult, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.FromCardID == req.ToCardID {
		return nil, ErrSameCard
	}

	if s.limiter != nil {
		allowed, retryAfter, err := s.limiter.Allow(ctx, principal.ID.String())
		if err != nil {
			// Rate limiting is protective, not load-bearing; a broken limiter
			// must not take transfers down with it.
			log.Printf("level=warn component=app msg=\"transfer rate limiter unavailable\" principal_id=%s err=%v", principal.ID, err)
		} else if !allowed {
			return nil, fmt.Errorf("%w: retry after %ds", ErrTransferRateLimited, int(retryAfter/time.Second))
		}
	}

	result, err := s.repo.Transfer(ctx, principal.ID, req.FromCardID, req.ToCardID, req.Amount)
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "card.transfer.completed", rabbitmq.TransferCompletedEvent{
		OwnerID:    principal.ID,
		FromCardID: result.FromCardID,
		ToCardID:   result.ToCardID,
		Amount:     result.Amount,
		Timestamp:  result.CompletedAt,
	})
	return result, nil
}

// resolveOwnedCard fetches a card and applies the ownership guard. A card
// that exists but belongs to someone else yields ErrUnauthorized.
func (s *Service) resolveOwnedCard(ctx context.Context, principal domain.Principal, cardID uuid.UUID) (*domain.Card, error) {
	card, err := s.repo.FindCardByID(ctx, cardID)
	if err != nil {
		return nil, err
	}
	if card.OwnerID != principal.ID {
		return nil, ErrUnauthorized
	}
	return card, nil
}

// maskView converts a persisted card into its caller-facing view. The stored
// ciphertext is decrypted and immediately masked; the plaintext never leaves
// this function.
func (s *Service) maskView(card *domain.Card) (*domain.CardView, error) {
	plaintext, err := s.codec.Decrypt(card.EncryptedPAN)
	if err != nil {
		log.Printf("level=error component=app msg=\"stored pan failed to decrypt\" card_id=%s", card.ID)
		return nil, err
	}
	return &domain.CardView{
		ID:         card.ID,
		OwnerID:    card.OwnerID,
		MaskedPAN:  pan.Mask(plaintext),
		CardHolder: card.CardHolder,
		ExpiryDate: card.ExpiryDate,
		Status:     card.Status,
		Balance:    card.Balance,
		CreatedAt:  card.CreatedAt,
	}, nil
}

func (s *Service) maskViews(cards []domain.Card) ([]domain.CardView, error) {
	views := make([]domain.CardView, 0, len(cards))
	for i := range cards {
		view, err := s.maskView(&cards[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}
	return views, nil
}

func (s *Service) publishLifecycleEvent(ctx context.Context, routingKey string, card *domain.Card) {
	s.publishEvent(ctx, routingKey, rabbitmq.CardLifecycleEvent{
		CardID:    card.ID,
		OwnerID:   card.OwnerID,
		Status:    string(card.Status),
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) publishEvent(ctx context.Context, routingKey string, body interface{}) {
	if err := s.eventProducer.Publish(ctx, s.eventExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=app msg=\"event publish failed\" routing_key=%s err=%v", routingKey, err)
	}
}

// startOfToday returns midnight UTC of the current day, the reference point
// for lazy expiry evaluation.
func startOfToday() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func digitsOnly(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return string(out)
}

/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed to persist cards and to execute
 * balance movements under row locks.
 *
 * Key features:
 * - Every mutation opens a single transaction, takes a `FOR UPDATE` lock on
 *   the target row(s), validates, writes, and commits. Rollback on any
 *   failure leaves balances at their pre-operation values.
 * - Transfers lock both rows in ascending card-id order regardless of the
 *   caller-supplied direction, so two reversed concurrent pairs cannot
 *   deadlock.
 * - `SET LOCAL lock_timeout` bounds every lock wait; exceeding it (or losing
 *   a deadlock/serialization race) surfaces as ErrConcurrencyConflict, the
 *   only retryable error this layer produces.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 */

package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cardledger/card-service/internal/domain"
)

var (
	ErrCardNotFound            = errors.New("card not found")
	ErrSourceCardNotFound      = errors.New("source card not found or not owned by user")
	ErrDestinationCardNotFound = errors.New("destination card not found or not owned by user")
	ErrCardNotActive           = errors.New("card is blocked or expired")
	ErrInsufficientFunds       = errors.New("insufficient funds on source card")
	ErrConcurrencyConflict     = errors.New("card is locked by a concurrent operation")
)

const cardColumns = `id, owner_id, encrypted_pan, card_holder, expiry_date, status, balance, created_at, updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresRepository creates a new instance of PostgresRepository.
// lockTimeout bounds how long a mutation waits for a contended card row.
func NewPostgresRepository(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresRepository {
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &PostgresRepository{db: db, lockTimeout: lockTimeout}
}

func scanCard(row pgx.Row, card *domain.Card) error {
	return row.Scan(
		&card.ID,
		&card.OwnerID,
		&card.EncryptedPAN,
		&card.CardHolder,
		&card.ExpiryDate,
		&card.Status,
		&card.Balance,
		&card.CreatedAt,
		&card.UpdatedAt,
	)
}

// FindCardByID retrieves a card by its id. Ownership is not checked here; the
// service layer applies the guard so it can distinguish "missing" from "not
// yours".
func (r *PostgresRepository) FindCardByID(ctx context.Context, id uuid.UUID) (*domain.Card, error) {
	var card domain.Card
	query := fmt.Sprintf(`SELECT %s FROM cards WHERE id = $1`, cardColumns)
	err := scanCard(r.db.QueryRow(ctx, query, id), &card)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return &card, nil
}

// FindCardsByOwner returns all cards owned by the principal, newest first.
func (r *PostgresRepository) FindCardsByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.Card, error) {
	query := fmt.Sprintf(`SELECT %s FROM cards WHERE owner_id = $1 ORDER BY created_at DESC`, cardColumns)
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCards(rows)
}

// FindCardsByOwnerFiltered returns owned cards where the holder name contains
// the search text (case-insensitive) OR the status equals the filter. The two
// dimensions combine with OR, not AND. A nil status filter compares against
// NULL and therefore never matches, leaving the search side as the only
// criterion.
func (r *PostgresRepository) FindCardsByOwnerFiltered(ctx context.Context, ownerID uuid.UUID, opts domain.CardListOptions) ([]domain.Card, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	var status *string
	if opts.Status != nil {
		s := string(*opts.Status)
		status = &s
	}

	query := fmt.Sprintf(`
		SELECT %s FROM cards
		WHERE owner_id = $1
		  AND (card_holder ILIKE '%%' || $2 || '%%' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`, cardColumns)

	rows, err := r.db.Query(ctx, query, ownerID, opts.Search, status, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectCards(rows)
}

func collectCards(rows pgx.Rows) ([]domain.Card, error) {
	cards := []domain.Card{}
	for rows.Next() {
		var card domain.Card
		if err := rows.Scan(
			&card.ID,
			&card.OwnerID,
			&card.EncryptedPAN,
			&card.CardHolder,
			&card.ExpiryDate,
			&card.Status,
			&card.Balance,
			&card.CreatedAt,
			&card.UpdatedAt,
		); err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	return cards, rows.Err()
}

// CreateCard inserts a new card row and fills in the store-assigned fields.
func (r *PostgresRepository) CreateCard(ctx context.Context, card *domain.Card) error {
	query := `
		INSERT INTO cards (id, owner_id, encrypted_pan, card_holder, expiry_date, status, balance)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`
	if card.ID == uuid.Nil {
		card.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, query,
		card.ID,
		card.OwnerID,
		card.EncryptedPAN,
		card.CardHolder,
		card.ExpiryDate,
		card.Status,
		card.Balance,
	).Scan(&card.CreatedAt, &card.UpdatedAt)
	return err
}

// UpdateCardDetails replaces holder and expiry on an owned card under a row
// lock. PAN, status and balance are untouched.
func (r *PostgresRepository) UpdateCardDetails(ctx context.Context, id uuid.UUID, ownerID uuid.UUID, holder string, expiry time.Time) (*domain.Card, error) {
	var updated domain.Card
	err := r.withCardLock(ctx, id, ownerID, ErrCardNotFound, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
			UPDATE cards SET card_holder = $1, expiry_date = $2, updated_at = NOW()
			WHERE id = $3 AND owner_id = $4
			RETURNING %s
		`, cardColumns)
		return scanCard(tx.QueryRow(ctx, query, holder, expiry, id, ownerID), &updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// UpdateCardStatus sets the status of an owned card under a row lock.
func (r *PostgresRepository) UpdateCardStatus(ctx context.Context, id uuid.UUID, ownerID uuid.UUID, status domain.CardStatus) (*domain.Card, error) {
	var updated domain.Card
	err := r.withCardLock(ctx, id, ownerID, ErrCardNotFound, func(tx pgx.Tx) error {
		query := fmt.Sprintf(`
			UPDATE cards SET status = $1, updated_at = NOW()
			WHERE id = $2 AND owner_id = $3
			RETURNING %s
		`, cardColumns)
		return scanCard(tx.QueryRow(ctx, query, status, id, ownerID), &updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// DeleteCard removes an owned card under a row lock. No balance check is
// performed; deleting a card with a nonzero balance is permitted.
func (r *PostgresRepository) DeleteCard(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	return r.withCardLock(ctx, id, ownerID, ErrCardNotFound, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `DELETE FROM cards WHERE id = $1 AND owner_id = $2`, id, ownerID)
		return err
	})
}

// withCardLock runs fn inside a transaction after locking the owned card row.
// notFound is returned when no row matches (id, owner_id).
func (r *PostgresRepository) withCardLock(ctx context.Context, id uuid.UUID, ownerID uuid.UUID, notFound error, fn func(tx pgx.Tx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return err
	}

	var locked uuid.UUID
	err = tx.QueryRow(ctx, `SELECT id FROM cards WHERE id = $1 AND owner_id = $2 FOR UPDATE`, id, ownerID).Scan(&locked)
	if err != nil {
		if err == pgx.ErrNoRows {
			return notFound
		}
		return mapLockError(err)
	}

	if err := fn(tx); err != nil {
		return mapLockError(err)
	}
	return mapLockError(tx.Commit(ctx))
}

// Transfer atomically moves amount between two cards owned by ownerID.
//
// Lock acquisition is in ascending card-id order, not caller order: the
// original request-order discipline deadlocks under reversed concurrent
// pairs, so the canonical order is used here and documented in DESIGN.md.
// Status is validated before funds, and either both balance updates commit
// or neither does.
func (r *PostgresRepository) Transfer(ctx context.Context, ownerID uuid.UUID, fromID uuid.UUID, toID uuid.UUID, amount int64) (*domain.TransferResult, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := r.setLockTimeout(ctx, tx); err != nil {
		return nil, err
	}

	first, second := fromID, toID
	if bytes.Compare(toID[:], fromID[:]) < 0 {
		first, second = toID, fromID
	}

	locked := map[uuid.UUID]*domain.Card{}
	for _, id := range []uuid.UUID{first, second} {
		card, err := lockCard(ctx, tx, id, ownerID)
		if err != nil {
			if err == pgx.ErrNoRows {
				if id == fromID {
					return nil, ErrSourceCardNotFound
				}
				return nil, ErrDestinationCardNotFound
			}
			return nil, mapLockError(err)
		}
		locked[id] = card
	}
	fromCard, toCard := locked[fromID], locked[toID]

	if fromCard.Status != domain.CardStatusActive || toCard.Status != domain.CardStatusActive {
		return nil, ErrCardNotActive
	}
	if fromCard.Balance < amount {
		return nil, ErrInsufficientFunds
	}

	var fromBalance, toBalance int64
	err = tx.QueryRow(ctx,
		`UPDATE cards SET balance = balance - $1, updated_at = NOW() WHERE id = $2 RETURNING balance`,
		amount, fromID,
	).Scan(&fromBalance)
	if err != nil {
		return nil, mapLockError(err)
	}
	err = tx.QueryRow(ctx,
		`UPDATE cards SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance`,
		amount, toID,
	).Scan(&toBalance)
	if err != nil {
		return nil, mapLockError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, mapLockError(err)
	}

	return &domain.TransferResult{
		FromCardID:  fromID,
		ToCardID:    toID,
		Amount:      amount,
		FromBalance: fromBalance,
		ToBalance:   toBalance,
		CompletedAt: time.Now().UTC(),
	}, nil
}

func lockCard(ctx context.Context, tx pgx.Tx, id uuid.UUID, ownerID uuid.UUID) (*domain.Card, error) {
	var card domain.Card
	query := fmt.Sprintf(`SELECT %s FROM cards WHERE id = $1 AND owner_id = $2 FOR UPDATE`, cardColumns)
	if err := scanCard(tx.QueryRow(ctx, query, id, ownerID), &card); err != nil {
		return nil, err
	}
	return &card, nil
}

// setLockTimeout bounds lock waits for the current transaction. SET LOCAL
// does not accept bind parameters, so the duration is formatted in.
func (r *PostgresRepository) setLockTimeout(ctx context.Context, tx pgx.Tx) error {
	_, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds()))
	return err
}

// mapLockError converts Postgres lock/serialization failures into the single
// retryable error kind. 55P03 is lock_not_available (lock_timeout exceeded),
// 40P01 is deadlock_detected, 40001 is serialization_failure.
func mapLockError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "55P03", "40P01", "40001":
			return fmt.Errorf("%w: %s", ErrConcurrencyConflict, pgErr.Code)
		}
	}
	return err
}

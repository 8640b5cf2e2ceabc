// Package payments defines the settlement contract the dispatch core consumes.
// Gateway protocol details live behind the interface; this package only owns
// the transaction ledger rows.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrPaymentFailed wraps any gateway error. The core never retries
// automatically; retry policy belongs to the caller or admin workflow.
var ErrPaymentFailed = errors.New("payment failed")

// Transaction kinds. A refund is an offsetting reversal row, never a
// mutation of the settlement it reverses.
const (
	KindSettlement = "settlement"
	KindReversal   = "reversal"
)

// Gateway is the payment collaborator contract. A non-nil tx scopes the
// ledger rows to the caller's open transaction so a settlement cannot
// outlive a rolled-back trip transition; implementations backed by an
// external processor ignore it.
type Gateway interface {
	// Settle charges the given reference (trip or subscription) and returns
	// the transaction id.
	Settle(ctx context.Context, tx pgx.Tx, ref string, amount float64) (string, error)
	// Reverse refunds a previous transaction and returns the reversal id.
	Reverse(ctx context.Context, tx pgx.Tx, transactionID string, amount float64) (string, error)
}

// Ledger is a Gateway that records transactions in Postgres. The external
// money movement is delegated to the processor out of band; the ledger rows
// are the core's durable settlement record.
type Ledger struct {
	db *pgxpool.Pool
}

// NewLedger creates a payment ledger.
func NewLedger(db *pgxpool.Pool) *Ledger {
	return &Ledger{db: db}
}

// querier is the slice of pgx shared by the pool and an open transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (l *Ledger) on(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return l.db
}

// Settle records a settlement transaction.
func (l *Ledger) Settle(ctx context.Context, tx pgx.Tx, ref string, amount float64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("%w: non-positive amount %v", ErrPaymentFailed, amount)
	}
	id := uuid.New().String()
	_, err := l.on(tx).Exec(ctx,
		`INSERT INTO payment_transactions (id,ref,amount,kind,created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		id, ref, amount, KindSettlement, time.Now())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	return id, nil
}

// Reverse records an offsetting reversal for a prior settlement. Reversing
// more than the settled amount or an unknown transaction fails.
func (l *Ledger) Reverse(ctx context.Context, tx pgx.Tx, transactionID string, amount float64) (string, error) {
	var settled float64
	err := l.on(tx).QueryRow(ctx,
		`SELECT amount FROM payment_transactions WHERE id=$1 AND kind=$2`,
		transactionID, KindSettlement).Scan(&settled)
	if err != nil {
		return "", fmt.Errorf("%w: unknown transaction %s", ErrPaymentFailed, transactionID)
	}
	if amount <= 0 || amount > settled {
		return "", fmt.Errorf("%w: amount %v out of range for transaction %s", ErrPaymentFailed, amount, transactionID)
	}

	id := uuid.New().String()
	_, err = l.on(tx).Exec(ctx,
		`INSERT INTO payment_transactions (id,ref,amount,kind,reverses,created_at)
		 VALUES ($1,(SELECT ref FROM payment_transactions WHERE id=$2),$3,$4,$2,$5)`,
		id, transactionID, amount, KindReversal, time.Now())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}
	return id, nil
}

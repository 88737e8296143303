// Package ledger implements the double-entry gold economy: wallets, immutable
// ledger entries, supply accounting, monetary policy (fees, demurrage) and
// the device registry with its XP-based zone multiplier.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soms/backend/internal/database"
)

// SystemWallet is the issuing wallet. It is the only wallet allowed to go
// negative.
const SystemWallet int64 = 0

// Transaction types.
const (
	TxTaskReward     = "TASK_REWARD"
	TxP2PTransfer    = "P2P_TRANSFER"
	TxInfraReward    = "INFRASTRUCTURE_REWARD"
	TxDemurrage      = "DEMURRAGE"
	TxFeeBurn        = "FEE_BURN"
)

// Entry types.
const (
	EntryDebit  = "DEBIT"
	EntryCredit = "CREDIT"
)

var (
	ErrSameWallet         = errors.New("cannot transfer to the same wallet")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrDuplicateReference = errors.New("duplicate reference_id")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrBelowMinimum       = errors.New("amount below minimum transfer")
)

// Wallet is one account row.
type Wallet struct {
	UserID    int64     `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one immutable side of a transaction.
type Entry struct {
	ID                   int64     `json:"id"`
	TransactionID        string    `json:"transaction_id"`
	WalletID             int64     `json:"wallet_id"`
	Amount               int64     `json:"amount"`
	BalanceAfter         int64     `json:"balance_after"`
	EntryType            string    `json:"entry_type"`
	TransactionType      string    `json:"transaction_type"`
	Description          string    `json:"description"`
	ReferenceID          *string   `json:"reference_id,omitempty"`
	CounterpartyWalletID *int64    `json:"counterparty_wallet_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Supply is the singleton issuance record.
type Supply struct {
	TotalIssued int64 `json:"total_issued"`
	TotalBurned int64 `json:"total_burned"`
	Circulating int64 `json:"circulating"`
}

// Ledger owns all balance mutation. Concurrent transfers serialize through
// per-wallet row locks taken in ascending user-id order.
type Ledger struct {
	db     *database.DB
	logger *log.Logger
	now    func() time.Time
}

// New creates a ledger over an opened database.
func New(db *database.DB) *Ledger {
	return &Ledger{
		db:     db,
		logger: log.New(log.Writer(), "[LEDGER] ", log.LstdFlags),
		now:    time.Now,
	}
}

// lockWallet reads a wallet balance under FOR UPDATE, creating the row with
// balance 0 when missing.
func (l *Ledger) lockWallet(tx *sql.Tx, userID int64, now time.Time) (int64, error) {
	var balance int64
	query := l.db.Rebind("SELECT balance FROM wallets WHERE user_id = ?" + l.db.ForUpdate())
	err := tx.QueryRow(query, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		_, err = tx.Exec(l.db.Rebind(
			"INSERT INTO wallets (user_id, balance, created_at, updated_at) VALUES (?, 0, ?, ?)"),
			userID, now, now)
		return 0, err
	}
	return balance, err
}

func (l *Ledger) setBalance(tx *sql.Tx, userID, balance int64, now time.Time) error {
	_, err := tx.Exec(l.db.Rebind(
		"UPDATE wallets SET balance = ?, updated_at = ? WHERE user_id = ?"),
		balance, now, userID)
	return err
}

func (l *Ledger) insertEntry(tx *sql.Tx, e Entry) error {
	_, err := tx.Exec(l.db.Rebind(`INSERT INTO ledger_entries
		(transaction_id, wallet_id, amount, balance_after, entry_type,
		 transaction_type, description, reference_id, counterparty_wallet_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.TransactionID, e.WalletID, e.Amount, e.BalanceAfter, e.EntryType,
		e.TransactionType, e.Description, e.ReferenceID, e.CounterpartyWalletID, e.CreatedAt)
	return err
}

// mapReferenceConflict turns a unique-index violation on idx_ledger_ref into
// ErrDuplicateReference. Driver error types are not imported here, so this
// matches the message text of both pq and sqlite3.
func mapReferenceConflict(err error, referenceID string) error {
	if err == nil || referenceID == "" {
		return err
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key") {
		return fmt.Errorf("%w: %s", ErrDuplicateReference, referenceID)
	}
	return err
}

func (l *Ledger) referenceUsed(tx *sql.Tx, referenceID string) (bool, error) {
	var one int
	err := tx.QueryRow(l.db.Rebind(
		"SELECT 1 FROM ledger_entries WHERE reference_id = ? LIMIT 1"), referenceID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// Transfer moves amount between two wallets as one atomic double-entry
// transaction and returns the transaction id.
func (l *Ledger) Transfer(ctx context.Context, from, to, amount int64, txType, description, referenceID string) (string, error) {
	if from == to {
		return "", ErrSameWallet
	}
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	// ascending lock order keeps concurrent transfers deadlock-free
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	balances := make(map[int64]int64, 2)
	for _, id := range []int64{first, second} {
		bal, err := l.lockWallet(tx, id, now)
		if err != nil {
			return "", fmt.Errorf("lock wallet %d: %w", id, err)
		}
		balances[id] = bal
	}

	// checked after the row locks so a concurrent double-submit of the same
	// reference serializes behind us and sees our committed entries
	if referenceID != "" {
		used, err := l.referenceUsed(tx, referenceID)
		if err != nil {
			return "", err
		}
		if used {
			return "", fmt.Errorf("%w: %s", ErrDuplicateReference, referenceID)
		}
	}

	if from != SystemWallet && balances[from] < amount {
		return "", fmt.Errorf("%w: wallet %d has %d, needs %d",
			ErrInsufficientFunds, from, balances[from], amount)
	}

	newFrom := balances[from] - amount
	newTo := balances[to] + amount
	if err := l.setBalance(tx, from, newFrom, now); err != nil {
		return "", err
	}
	if err := l.setBalance(tx, to, newTo, now); err != nil {
		return "", err
	}

	txID := uuid.New().String()
	var ref *string
	if referenceID != "" {
		ref = &referenceID
	}
	debit := Entry{
		TransactionID: txID, WalletID: from, Amount: -amount, BalanceAfter: newFrom,
		EntryType: EntryDebit, TransactionType: txType, Description: description,
		ReferenceID: ref, CounterpartyWalletID: &to, CreatedAt: now,
	}
	credit := Entry{
		TransactionID: txID, WalletID: to, Amount: amount, BalanceAfter: newTo,
		EntryType: EntryCredit, TransactionType: txType, Description: description,
		ReferenceID: ref, CounterpartyWalletID: &from, CreatedAt: now,
	}
	if err := l.insertEntry(tx, debit); err != nil {
		return "", mapReferenceConflict(err, referenceID)
	}
	if err := l.insertEntry(tx, credit); err != nil {
		return "", mapReferenceConflict(err, referenceID)
	}

	if from == SystemWallet {
		if _, err := tx.Exec(l.db.Rebind(
			"UPDATE supply_stats SET total_issued = total_issued + ? WHERE id = 1"), amount); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	transactionsTotal.WithLabelValues(txType).Inc()
	goldMoved.WithLabelValues(txType).Add(float64(amount))
	l.logger.Printf("💸 %s: %d → %d amount=%d (%s)", txType, from, to, amount, txID[:8])
	return txID, nil
}

// Burn destroys amount from one wallet as a single-sided debit and records it
// against total_burned.
func (l *Ledger) Burn(ctx context.Context, userID, amount int64, txType, description string) (string, error) {
	if amount <= 0 {
		return "", ErrInvalidAmount
	}

	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	balance, err := l.lockWallet(tx, userID, now)
	if err != nil {
		return "", fmt.Errorf("lock wallet %d: %w", userID, err)
	}
	if balance < amount {
		return "", fmt.Errorf("%w: wallet %d has %d, burn needs %d",
			ErrInsufficientFunds, userID, balance, amount)
	}

	newBalance := balance - amount
	if err := l.setBalance(tx, userID, newBalance, now); err != nil {
		return "", err
	}

	txID := uuid.New().String()
	if err := l.insertEntry(tx, Entry{
		TransactionID: txID, WalletID: userID, Amount: -amount, BalanceAfter: newBalance,
		EntryType: EntryDebit, TransactionType: txType, Description: description, CreatedAt: now,
	}); err != nil {
		return "", err
	}

	if _, err := tx.Exec(l.db.Rebind(
		"UPDATE supply_stats SET total_burned = total_burned + ? WHERE id = 1"), amount); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	transactionsTotal.WithLabelValues(txType).Inc()
	goldMoved.WithLabelValues(txType).Add(float64(amount))
	l.logger.Printf("🔥 %s: wallet %d burned %d (%s)", txType, userID, amount, txID[:8])
	return txID, nil
}

// GetWallet reads one wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID int64) (*Wallet, error) {
	var w Wallet
	err := l.db.QueryRowContext(ctx, l.db.Rebind(
		"SELECT user_id, balance, created_at, updated_at FROM wallets WHERE user_id = ?"),
		userID).Scan(&w.UserID, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWallet ensures a wallet row exists and returns it.
func (l *Ledger) CreateWallet(ctx context.Context, userID int64) (*Wallet, error) {
	now := l.now()
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := l.lockWallet(tx, userID, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return l.GetWallet(ctx, userID)
}

// History lists a wallet's entries, newest first.
func (l *Ledger) History(ctx context.Context, userID int64, limit, offset int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`SELECT
		id, transaction_id, wallet_id, amount, balance_after, entry_type,
		transaction_type, description, reference_id, counterparty_wallet_id, created_at
		FROM ledger_entries WHERE wallet_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`),
		userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetTransaction returns every entry sharing one transaction id.
func (l *Ledger) GetTransaction(ctx context.Context, txID string) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(`SELECT
		id, transaction_id, wallet_id, amount, balance_after, entry_type,
		transaction_type, description, reference_id, counterparty_wallet_id, created_at
		FROM ledger_entries WHERE transaction_id = ? ORDER BY id`), txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.WalletID, &e.Amount, &e.BalanceAfter,
			&e.EntryType, &e.TransactionType, &e.Description, &e.ReferenceID,
			&e.CounterpartyWalletID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetSupply reads the issuance totals.
func (l *Ledger) GetSupply(ctx context.Context) (*Supply, error) {
	var s Supply
	err := l.db.QueryRowContext(ctx,
		"SELECT total_issued, total_burned FROM supply_stats WHERE id = 1").
		Scan(&s.TotalIssued, &s.TotalBurned)
	if err != nil {
		return nil, err
	}
	s.Circulating = s.TotalIssued - s.TotalBurned
	return &s, nil
}

package ledger

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// DemurrageResult summarizes one demurrage sweep.
type DemurrageResult struct {
	WalletsCharged int   `json:"wallets_charged"`
	TotalBurned    int64 `json:"total_burned"`
}

// RunDemurrage burns 2% from every non-system wallet holding more than the
// exemption threshold. Each wallet burns in its own transaction so one
// failure cannot roll back the whole sweep.
func (l *Ledger) RunDemurrage(ctx context.Context) (*DemurrageResult, error) {
	rows, err := l.db.QueryContext(ctx, l.db.Rebind(
		"SELECT user_id, balance FROM wallets WHERE user_id != ? AND balance > ?"),
		SystemWallet, int64(demurrageExemptBalance))
	if err != nil {
		return nil, err
	}

	type candidate struct {
		userID  int64
		balance int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.userID, &c.balance); err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := &DemurrageResult{}
	for _, c := range candidates {
		amount := DemurrageAmount(c.balance)
		if amount <= 0 {
			continue
		}
		// balance may have moved since the scan; Burn re-reads under lock
		if _, err := l.Burn(ctx, c.userID, amount, TxDemurrage,
			fmt.Sprintf("保有税 2%% (残高 %d)", c.balance)); err != nil {
			l.logger.Printf("⚠️ Demurrage on wallet %d failed: %v", c.userID, err)
			continue
		}
		result.WalletsCharged++
		result.TotalBurned += amount
	}

	l.logger.Printf("🕰️ Demurrage: %d wallets, %d burned",
		result.WalletsCharged, result.TotalBurned)
	return result, nil
}

// StartDemurrageCron schedules the daily sweep. The returned cron is already
// started; callers stop it on shutdown.
func (l *Ledger) StartDemurrageCron(spec string) (*cron.Cron, error) {
	if spec == "" {
		spec = "@every 24h"
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if _, err := l.RunDemurrage(context.Background()); err != nil {
			l.logger.Printf("⚠️ Demurrage sweep failed: %v", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	l.logger.Printf("Demurrage cron started (%s)", spec)
	return c, nil
}

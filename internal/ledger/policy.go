package ledger

import (
	"context"
	"fmt"
)

// Monetary policy constants. All amounts are integer milli-units; fee math
// stays in integers (ceil via (a+b-1)/b).
const (
	feeRateNumerator   = 5 // 5%
	feeRateDenominator = 100
	MinFee             = 1

	minTransferFloor       = 10
	minTransferSupplyRatio = 10_000 // circulating / ratio

	demurrageExemptBalance = 100 // balances at or below are exempt
	demurrageRateNum       = 2   // 2%
	demurrageRateDen       = 100
)

// TransferFee is the burn charged to the sender of a P2P transfer:
// max(MinFee, ceil(amount * 5%)).
func TransferFee(amount int64) int64 {
	fee := (amount*feeRateNumerator + feeRateDenominator - 1) / feeRateDenominator
	if fee < MinFee {
		fee = MinFee
	}
	return fee
}

// MinTransferAmount scales with circulating supply: max(10, circulating/10000).
func MinTransferAmount(circulating int64) int64 {
	min := circulating / minTransferSupplyRatio
	if min < minTransferFloor {
		min = minTransferFloor
	}
	return min
}

// DemurrageAmount is floor(balance * 2%) for balances above the exemption
// threshold; exactly 100 is exempt.
func DemurrageAmount(balance int64) int64 {
	if balance <= demurrageExemptBalance {
		return 0
	}
	return balance * demurrageRateNum / demurrageRateDen
}

// ZoneMultiplier converts the average device XP of a zone into a bounty
// multiplier, clamped to [1.0, 3.0].
func ZoneMultiplier(avgXP float64) float64 {
	m := 1.0 + avgXP/1000.0*0.5
	if m < 1.0 {
		m = 1.0
	}
	if m > 3.0 {
		m = 3.0
	}
	return m
}

// TaskReward issues bounty gold from the system wallet to the worker.
// Idempotent per task: the reference id embeds the task id, so a retry for
// the same task is rejected as a duplicate.
func (l *Ledger) TaskReward(ctx context.Context, userID, amount, taskID int64, description string) (string, error) {
	if description == "" {
		description = fmt.Sprintf("タスク報酬 (task %d)", taskID)
	}
	return l.Transfer(ctx, SystemWallet, userID, amount, TxTaskReward,
		description, fmt.Sprintf("task:%d", taskID))
}

// P2PTransfer moves gold between members, then burns the fee from the sender.
// The sender must cover principal plus fee up front so the fee burn cannot
// fail after the principal moved.
func (l *Ledger) P2PTransfer(ctx context.Context, from, to, amount int64, description string) (txID string, fee int64, err error) {
	supply, err := l.GetSupply(ctx)
	if err != nil {
		return "", 0, err
	}
	if min := MinTransferAmount(supply.Circulating); amount < min {
		return "", 0, fmt.Errorf("%w: minimum is %d, got %d", ErrBelowMinimum, min, amount)
	}

	fee = TransferFee(amount)
	if from != SystemWallet {
		wallet, err := l.GetWallet(ctx, from)
		if err != nil {
			return "", 0, err
		}
		if wallet.Balance < amount+fee {
			return "", 0, fmt.Errorf("%w: wallet %d has %d, needs %d (amount %d + fee %d)",
				ErrInsufficientFunds, from, wallet.Balance, amount+fee, amount, fee)
		}
	}

	txID, err = l.Transfer(ctx, from, to, amount, TxP2PTransfer, description, "")
	if err != nil {
		return "", 0, err
	}
	if _, err := l.Burn(ctx, from, fee, TxFeeBurn,
		fmt.Sprintf("送金手数料 (tx %s)", txID[:8])); err != nil {
		// principal already moved; surface the failure but keep the tx id
		l.logger.Printf("⚠️ Fee burn failed after transfer %s: %v", txID, err)
		return txID, 0, err
	}
	return txID, fee, nil
}

package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transactions_total",
		Help: "Committed ledger transactions by type",
	}, []string{"type"})

	goldMoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_gold_moved_total",
		Help: "Gold moved or burned by transaction type",
	}, []string{"type"})
)

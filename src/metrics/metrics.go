package metrics

import (
	"math/big"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	AccountsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_accounts_finished_total",
			Help: "Accounts that reached a terminal status",
		},
		[]string{"status"},
	)

	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_attempts_total",
			Help: "Processor attempts by result",
		},
		[]string{"result"},
	)

	Claims = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_claims_total",
			Help: "Claim service submissions by result",
		},
		[]string{"result"},
	)

	Transfers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_transfers_total",
			Help: "Transfer transactions by final status",
		},
		[]string{"status"},
	)

	LedgerWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimer_ledger_writes_total",
			Help: "Ledger file rewrites by ledger and result",
		},
		[]string{"ledger", "result"},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "claimer_tasks_in_flight",
			Help: "Account tasks holding a scheduler slot",
		},
	)

	TasksAwaitingOperator = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "claimer_tasks_awaiting_operator",
			Help: "Account tasks suspended on an operator checkpoint",
		},
	)

	CommissionTransferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimer_commission_transferred",
			Help: "Commission moved by confirmed transfers, in token base units",
		},
	)
)

func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func AddCommission(amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	f, _ := new(big.Float).SetInt(amount).Float64()
	CommissionTransferred.Add(f)
}

// StartPromServer serves /metrics on port until the process exits.
func StartPromServer(port string, logger *zap.Logger) {
	if port == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("serving prometheus metrics", zap.String("port", port))
	go func() {
		if err := http.ListenAndServe(port, mux); err != nil {
			logger.Error("prometheus server stopped", zap.Error(err))
		}
	}()
}

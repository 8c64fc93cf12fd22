package metrics

import (
	"fmt"
	"math"
	"math/big"
	"sync/atomic"

	"github.com/VictoriaMetrics/metrics"
)

var (
	deposits    = metrics.NewCounter("escrow_deposits_total")
	withdrawals = metrics.NewCounter("escrow_withdrawals_total")

	// FloatCounter loses precision above 2^53 wei, good enough for dashboards
	depositedWei = metrics.NewFloatCounter("escrow_deposited_wei_total")
	withdrawnWei = metrics.NewFloatCounter("escrow_withdrawn_wei_total")

	balanceWeiBits atomic.Uint64
	_              = metrics.NewGauge("escrow_balance_wei", BalanceWei)
)

func rejectionKey(method, reason string) string {
	return fmt.Sprintf(`escrow_rejections_total{method=%q,reason=%q}`, method, reason)
}

func IncDeposit(amount *big.Int) {
	deposits.Inc()
	f, _ := new(big.Float).SetInt(amount).Float64()
	depositedWei.Add(f)
}

func IncWithdrawal(amount *big.Int) {
	withdrawals.Inc()
	f, _ := new(big.Float).SetInt(amount).Float64()
	withdrawnWei.Add(f)
}

func SetBalance(balance *big.Int) {
	f, _ := new(big.Float).SetInt(balance).Float64()
	balanceWeiBits.Store(math.Float64bits(f))
}

// BalanceWei is the last custody balance reported with SetBalance.
func BalanceWei() float64 {
	return math.Float64frombits(balanceWeiBits.Load())
}

func IncRejection(method, reason string) {
	metrics.GetOrCreateCounter(rejectionKey(method, reason)).Inc()
}

func RejectionCount(method, reason string) uint64 {
	return metrics.GetOrCreateCounter(rejectionKey(method, reason)).Get()
}

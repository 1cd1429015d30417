package commission

import (
	"fmt"
	"math/big"

	"github.com/onemorebsmith/strk-claimer/src/model"
)

// Weighting decides how much budget an address covers when it is marked paid.
type Weighting string

const (
	WeightAmount     Weighting = "amount"     // declared amount
	WeightObligation Weighting = "obligation" // floor(amount * rate)
)

func ParseWeighting(s string) (Weighting, error) {
	switch Weighting(s) {
	case WeightAmount, WeightObligation:
		return Weighting(s), nil
	}
	return "", fmt.Errorf("unknown ledger consumption weighting %q", s)
}

// Consumer picks which addresses a settled commission marks as paid. The
// selection is pooled: it walks the dispatch order skipping addresses already
// paid and stops once the accumulated weight covers the contribution.
type Consumer struct {
	order     []*model.Account
	weighting Weighting
	rate      model.Rate
}

func NewConsumer(order []*model.Account, weighting Weighting, rate model.Rate) *Consumer {
	return &Consumer{order: order, weighting: weighting, rate: rate}
}

func (c *Consumer) weight(acct *model.Account) *big.Int {
	if c.weighting == WeightObligation {
		return c.rate.Apply(amountOf(acct))
	}
	return amountOf(acct)
}

// Select is meant to run under the ledger lock, see ledger.Store.RecordBatch.
func (c *Consumer) Select(contribution *big.Int, paid func(address string) bool) []string {
	if contribution == nil || contribution.Sign() <= 0 {
		return nil
	}
	total := new(big.Int)
	var picked []string
	for _, acct := range c.order {
		if paid(acct.Address) {
			continue
		}
		total.Add(total, c.weight(acct))
		picked = append(picked, acct.Address)
		if total.Cmp(contribution) >= 0 {
			break
		}
	}
	return picked
}

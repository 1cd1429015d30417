package commission

import (
	"math/big"
	"sort"

	"github.com/onemorebsmith/strk-claimer/src/model"
)

// Plan is the frozen per-run commission split. Safe for concurrent reads.
type Plan struct {
	Target        *big.Int
	Order         []*model.Account // dispatch order, amount descending
	contributions map[string]*big.Int
}

// Contribution returns the amount the account owes this run, zero when unknown.
func (p *Plan) Contribution(address string) *big.Int {
	if c, ok := p.contributions[model.LedgerKey(address)]; ok {
		return new(big.Int).Set(c)
	}
	return new(big.Int)
}

// Total is the sum of every contribution in the plan.
func (p *Plan) Total() *big.Int {
	total := new(big.Int)
	for _, c := range p.contributions {
		total.Add(total, c)
	}
	return total
}

// SortByAmount orders accounts by declared amount, largest first. Ties keep
// their input order.
func SortByAmount(accounts []*model.Account) []*model.Account {
	sorted := make([]*model.Account, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return amountOf(sorted[i]).Cmp(amountOf(sorted[j])) > 0
	})
	return sorted
}

// Allocate computes the commission plan. The target is floor(sum of unbilled
// amounts * rate); it is then handed out greedily over the whole sorted batch,
// each account taking at most its own amount.
func Allocate(accounts []*model.Account, billed func(address string) bool, rate model.Rate) *Plan {
	order := SortByAmount(accounts)

	unbilled := new(big.Int)
	for _, acct := range order {
		if billed != nil && billed(acct.Address) {
			continue
		}
		unbilled.Add(unbilled, amountOf(acct))
	}
	target := rate.Apply(unbilled)

	plan := &Plan{
		Target:        target,
		Order:         order,
		contributions: make(map[string]*big.Int, len(order)),
	}
	paid := new(big.Int)
	for _, acct := range order {
		remaining := new(big.Int).Sub(target, paid)
		contribution := minInt(amountOf(acct), remaining)
		if contribution.Sign() < 0 {
			contribution.SetInt64(0)
		}
		paid.Add(paid, contribution)
		plan.contributions[model.LedgerKey(acct.Address)] = contribution
	}
	return plan
}

func amountOf(acct *model.Account) *big.Int {
	if acct.Amount == nil {
		return new(big.Int)
	}
	return acct.Amount
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

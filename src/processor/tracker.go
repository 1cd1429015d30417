package processor

import (
	"math/big"
	"sort"
	"sync"

	"github.com/onemorebsmith/strk-claimer/src/metrics"
	"github.com/onemorebsmith/strk-claimer/src/model"
)

// Tracker is the run state: the current status of every account and what the
// run moved so far.
type Tracker struct {
	lock       sync.Mutex
	statuses   map[string]model.AccountStatus
	order      []string
	commission *big.Int
	net        *big.Int
}

func NewTracker(accounts []*model.Account) *Tracker {
	t := &Tracker{
		statuses:   make(map[string]model.AccountStatus, len(accounts)),
		commission: new(big.Int),
		net:        new(big.Int),
	}
	for _, a := range accounts {
		if _, ok := t.statuses[a.Address]; !ok {
			t.order = append(t.order, a.Address)
		}
		t.statuses[a.Address] = model.AccountStatusPending
	}
	return t
}

func (t *Tracker) Set(address string, status model.AccountStatus) {
	t.lock.Lock()
	defer t.lock.Unlock()
	prev, ok := t.statuses[address]
	if !ok {
		t.order = append(t.order, address)
	}
	if prev.Terminal() {
		return
	}
	if prev == model.AccountStatusAwaitingOperator {
		metrics.TasksAwaitingOperator.Dec()
	}
	if status == model.AccountStatusAwaitingOperator {
		metrics.TasksAwaitingOperator.Inc()
	}
	if status.Terminal() {
		metrics.AccountsFinished.WithLabelValues(string(status)).Inc()
	}
	t.statuses[address] = status
}

func (t *Tracker) Status(address string) model.AccountStatus {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.statuses[address]
}

func (t *Tracker) AddTransferred(commission, net *big.Int) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if commission != nil {
		t.commission.Add(t.commission, commission)
	}
	if net != nil {
		t.net.Add(t.net, net)
	}
}

// SkipUnfinished marks every account that never got to run as skipped.
func (t *Tracker) SkipUnfinished() int {
	t.lock.Lock()
	pending := []string{}
	for _, addr := range t.order {
		if t.statuses[addr] == model.AccountStatusPending {
			pending = append(pending, addr)
		}
	}
	t.lock.Unlock()
	for _, addr := range pending {
		t.Set(addr, model.AccountStatusSkipped)
	}
	return len(pending)
}

type Summary struct {
	Counts                map[model.AccountStatus]int
	Awaiting              []string
	CommissionTransferred *big.Int
	NetTransferred        *big.Int
}

func (t *Tracker) Summary() Summary {
	t.lock.Lock()
	defer t.lock.Unlock()
	s := Summary{
		Counts:                map[model.AccountStatus]int{},
		CommissionTransferred: new(big.Int).Set(t.commission),
		NetTransferred:        new(big.Int).Set(t.net),
	}
	for _, addr := range t.order {
		st := t.statuses[addr]
		s.Counts[st]++
		if st == model.AccountStatusAwaitingOperator {
			s.Awaiting = append(s.Awaiting, addr)
		}
	}
	sort.Strings(s.Awaiting)
	return s
}

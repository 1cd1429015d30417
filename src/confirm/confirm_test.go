package confirm

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/onemorebsmith/strk-claimer/src/common"
	"github.com/onemorebsmith/strk-claimer/src/model"
	"github.com/onemorebsmith/strk-claimer/src/starknet"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var logger = common.ConfigureZap(zap.DebugLevel)

type scriptedSource struct {
	lock    sync.Mutex
	calls   int
	results func(call int) (*starknet.Receipt, error)
}

func (s *scriptedSource) Receipt(context.Context, string) (*starknet.Receipt, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.calls++
	return s.results(s.calls)
}

type recordingGate struct {
	lock    sync.Mutex
	prompts []Prompt
	onAwait func()
}

func (g *recordingGate) Await(_ context.Context, p Prompt) error {
	g.lock.Lock()
	g.prompts = append(g.prompts, p)
	g.lock.Unlock()
	if g.onAwait != nil {
		g.onAwait()
	}
	return nil
}

type recordingCheckpoint struct {
	events []string
}

func (c *recordingCheckpoint) Suspend()                     { c.events = append(c.events, "suspend") }
func (c *recordingCheckpoint) Resume(context.Context) error { c.events = append(c.events, "resume"); return nil }

func TestWaitRetriesTransientErrors(t *testing.T) {
	src := &scriptedSource{results: func(call int) (*starknet.Receipt, error) {
		switch {
		case call == 1:
			return nil, errors.Wrap(starknet.ErrTxNotFound, "0x1")
		case call < 4:
			return nil, errors.New("connection reset")
		case call == 4:
			return &starknet.Receipt{Status: model.TxPending}, nil
		}
		return &starknet.Receipt{Status: model.TxReverted, RevertReason: "out of gas"}, nil
	}}
	gate := &recordingGate{}
	w := &Waiter{PollInterval: time.Millisecond, SoftTimeout: time.Hour, Gate: gate, Logger: logger}

	receipt, err := w.Wait(context.Background(), src, "0x1", "0xaa", nil)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Status != model.TxReverted || src.calls != 5 {
		t.Fatalf("unexpected result %+v after %d calls", receipt, src.calls)
	}
	if len(gate.prompts) != 0 {
		t.Fatalf("operator should not have been prompted")
	}
}

func TestWaitSoftTimeoutPromptsOperator(t *testing.T) {
	acked := false
	gate := &recordingGate{}
	gate.onAwait = func() { acked = true }
	src := &scriptedSource{results: func(int) (*starknet.Receipt, error) {
		if acked {
			return &starknet.Receipt{Status: model.TxSucceeded}, nil
		}
		return nil, errors.New("node unavailable")
	}}
	cp := &recordingCheckpoint{}
	w := &Waiter{PollInterval: time.Millisecond, SoftTimeout: 10 * time.Millisecond, Gate: gate, Logger: logger}

	receipt, err := w.Wait(context.Background(), src, "0xabc", "0xaa", cp)
	if err != nil {
		t.Fatal(err)
	}
	if receipt.Status != model.TxSucceeded {
		t.Fatalf("unexpected status %s", receipt.Status)
	}
	if len(gate.prompts) != 1 || gate.prompts[0].TxHash != "0xabc" || gate.prompts[0].Waited < 10*time.Millisecond {
		t.Fatalf("unexpected prompts %+v", gate.prompts)
	}
	if len(cp.events) != 2 || cp.events[0] != "suspend" || cp.events[1] != "resume" {
		t.Fatalf("slot was not released around the prompt: %v", cp.events)
	}
}

func TestWaitCancellation(t *testing.T) {
	src := &scriptedSource{results: func(int) (*starknet.Receipt, error) {
		return &starknet.Receipt{Status: model.TxPending}, nil
	}}
	w := &Waiter{PollInterval: time.Millisecond, SoftTimeout: time.Hour, Logger: logger}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := w.Wait(ctx, src, "0x1", "0xaa", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestConsoleAcks(t *testing.T) {
	r, wr := io.Pipe()
	defer wr.Close()
	console := NewConsole(r, logger)

	results := make(chan string, 2)
	for _, hash := range []string{"0xaaa111", "0xbbb222"} {
		go func(hash string) {
			if err := console.Await(context.Background(), Prompt{TxHash: hash}); err == nil {
				results <- hash
			}
		}(hash)
	}
	deadline := time.Now().Add(time.Second)
	for console.Waiting() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("prompts never registered")
		}
		time.Sleep(time.Millisecond)
	}

	io.WriteString(wr, "0xBBB\n")
	if got := <-results; got != "0xbbb222" {
		t.Fatalf("expected the matching prompt to be released, got %s", got)
	}
	io.WriteString(wr, "\n")
	if got := <-results; got != "0xaaa111" {
		t.Fatalf("expected the oldest prompt to be released, got %s", got)
	}
}

func TestConsoleCancel(t *testing.T) {
	r, wr := io.Pipe()
	defer wr.Close()
	console := NewConsole(r, logger)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := console.Await(ctx, Prompt{TxHash: "0x1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if console.Waiting() != 0 {
		t.Fatalf("cancelled prompt must be dropped")
	}
}

package confirm

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Console acknowledges prompts from operator input, one line per ack. An
// empty line releases the oldest prompt; otherwise the line is matched as a
// prefix of a waiting tx hash or address.
type Console struct {
	in      io.Reader
	logger  *zap.Logger
	start   sync.Once
	lock    sync.Mutex
	waiting []*waitingPrompt
	closed  bool
}

type waitingPrompt struct {
	Prompt
	ack chan struct{}
}

func NewConsole(in io.Reader, logger *zap.Logger) *Console {
	return &Console{in: in, logger: logger.With(zap.String("component", "operator_console"))}
}

func (c *Console) Await(ctx context.Context, p Prompt) error {
	c.start.Do(func() { go c.read() })

	w := &waitingPrompt{Prompt: p, ack: make(chan struct{})}
	c.lock.Lock()
	c.waiting = append(c.waiting, w)
	closed := c.closed
	c.lock.Unlock()
	if closed {
		c.logger.Warn("operator input is closed, prompt can only be released by shutdown", zap.String("tx", p.TxHash))
	}
	c.logger.Warn("press enter (or type the tx hash) once the transaction is processed: https://starkscan.co/tx/"+p.TxHash,
		zap.String("address", p.Address), zap.Int("waiting", c.Waiting()))

	select {
	case <-w.ack:
		return nil
	case <-ctx.Done():
		c.remove(w)
		return ctx.Err()
	}
}

func (c *Console) Waiting() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	return len(c.waiting)
}

func (c *Console) remove(w *waitingPrompt) {
	c.lock.Lock()
	defer c.lock.Unlock()
	for i, v := range c.waiting {
		if v == w {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			return
		}
	}
}

// Ack releases the prompt matching line, see Console. It reports whether a
// prompt was released.
func (c *Console) Ack(line string) bool {
	line = strings.ToLower(strings.TrimSpace(line))
	c.lock.Lock()
	defer c.lock.Unlock()
	for i, w := range c.waiting {
		if line == "" || strings.HasPrefix(strings.ToLower(w.TxHash), line) || strings.HasPrefix(strings.ToLower(w.Address), line) {
			c.waiting = append(c.waiting[:i], c.waiting[i+1:]...)
			close(w.ack)
			return true
		}
	}
	return false
}

func (c *Console) read() {
	scanner := bufio.NewScanner(c.in)
	for scanner.Scan() {
		if !c.Ack(scanner.Text()) {
			c.logger.Warn("no waiting prompt matches input", zap.String("input", scanner.Text()))
		}
	}
	c.lock.Lock()
	c.closed = true
	c.lock.Unlock()
	if err := scanner.Err(); err != nil {
		c.logger.Error("operator input failed", zap.Error(err))
	}
}

package telegram

import (
	"context"
	"sync"
	"time"
)

// Progress streams partial answers into the chat by editing one message.
// When the platform rate limits an edit, further edits are skipped until
// the requested cooldown has passed; the stream itself is never held up.
type Progress struct {
	sender *Sender
	now    func() time.Time

	mu    sync.Mutex
	until time.Time
}

// NewProgress creates a Progress writing through s.
func NewProgress(s *Sender) *Progress {
	return &Progress{sender: s, now: time.Now}
}

// Update sends text, or skips it during a cooldown. It has the signature of
// a stream progress callback.
func (p *Progress) Update(ctx context.Context, text string) error {
	if p.coolingDown() {
		return nil
	}

	msg, err := p.sender.SendPlain(ctx, text)
	if err != nil {
		if wait, limited := RetryAfter(err); limited && wait > 0 {
			p.mu.Lock()
			p.until = p.now().Add(wait)
			p.mu.Unlock()
			return nil
		}
		return err
	}

	p.mu.Lock()
	p.until = time.Time{}
	p.mu.Unlock()
	p.sender.SetMessageID(msg.MessageID)
	return nil
}

// Wait blocks until a pending cooldown has passed, so the final answer is
// not rate limited in turn.
func (p *Progress) Wait(ctx context.Context) error {
	p.mu.Lock()
	d := p.until.Sub(p.now())
	p.mu.Unlock()
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Progress) coolingDown() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.until.IsZero() && p.now().Before(p.until)
}

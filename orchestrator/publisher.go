package orchestrator

import (
	"sync"
	"time"

	"pigeon/models"
)

// DefaultDebounce coalesces back-to-back list publications.
const DefaultDebounce = 100 * time.Millisecond

// Update is what subscribers receive: either a full snapshot of the
// conversation list (plus the active conversation's messages) or, when Typing
// is set, a typing change only.
type Update struct {
	Conversations        []models.Conversation
	ActiveConversationID string
	ActiveMessages       []models.Message
	Typing               *TypingUpdate
}

// TypingUpdate reports that Handle started or stopped typing.
type TypingUpdate struct {
	ConversationID string
	Handle         string
	IsTyping       bool
}

// Publisher fans updates out to subscribers. Snapshot publications are
// debounced: any number of Schedule calls within the window produce one
// snapshot taken when the window closes.
type Publisher struct {
	debounce time.Duration
	snapshot func() Update

	mu      sync.Mutex
	subs    map[uint64]func(Update)
	nextID  uint64
	timer   *time.Timer
	pending bool
	stopped bool
}

// NewPublisher creates a publisher that builds snapshots with snapshot.
func NewPublisher(debounce time.Duration, snapshot func() Update) *Publisher {
	if debounce < 0 {
		debounce = 0
	}
	return &Publisher{
		debounce: debounce,
		snapshot: snapshot,
		subs:     make(map[uint64]func(Update)),
	}
}

// Subscribe registers fn and schedules a snapshot so the new subscriber sees
// current state. The returned func unsubscribes.
func (p *Publisher) Subscribe(fn func(Update)) func() {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	p.mu.Unlock()

	p.Schedule()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
		})
	}
}

// Schedule requests a snapshot publication at the end of the debounce window.
func (p *Publisher) Schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped || p.pending {
		return
	}
	p.pending = true
	if p.timer == nil {
		p.timer = time.AfterFunc(p.debounce, p.fire)
		return
	}
	p.timer.Reset(p.debounce)
}

// Flush publishes a pending snapshot immediately.
func (p *Publisher) Flush() {
	p.mu.Lock()
	if !p.pending {
		p.mu.Unlock()
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	p.fire()
}

// Emit delivers u to every subscriber right away, bypassing the debounce.
func (p *Publisher) Emit(u Update) {
	for _, fn := range p.subscribers() {
		fn(u)
	}
}

// Stop cancels any pending publication and rejects further scheduling.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.pending = false
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Restart re-enables scheduling after Stop.
func (p *Publisher) Restart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
}

func (p *Publisher) fire() {
	p.mu.Lock()
	if !p.pending {
		p.mu.Unlock()
		return
	}
	p.pending = false
	p.mu.Unlock()

	subs := p.subscribers()
	if len(subs) == 0 {
		return
	}
	u := p.snapshot()
	for _, fn := range subs {
		fn(u)
	}
}

func (p *Publisher) subscribers() []func(Update) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]func(Update), 0, len(p.subs))
	for _, fn := range p.subs {
		out = append(out, fn)
	}
	return out
}

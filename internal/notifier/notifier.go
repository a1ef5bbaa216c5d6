// Package notifier turns queued events into chat notices and delivers them
// with bounded retry.
package notifier

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0xRichardL/pool-relay/internal/chat"
	"github.com/0xRichardL/pool-relay/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = time.Minute
)

type Config struct {
	// DefaultRooms receive events of accounts without their own rooms.
	DefaultRooms []string
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// DeliveryTask is one event headed for one room.
type DeliveryTask struct {
	Event       domain.Event
	Room        string
	Attempts    int
	NextRetryAt time.Time
	LastErr     error
}

// Source is the consumer side of the event queue.
type Source interface {
	Dequeue(ctx context.Context) (domain.Event, error)
	Done()
	Requeue(ev domain.Event)
}

// Mirror receives every event delivered to at least one room.
type Mirror interface {
	PublishEvent(ctx context.Context, ev domain.Event) error
}

// Stats are cumulative delivery counters.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Retried   uint64 `json:"retried"`
	Dropped   uint64 `json:"dropped"`
}

type Option func(*Notifier)

func WithMirror(m Mirror) Option {
	return func(n *Notifier) { n.mirror = m }
}

// WithDropHook is called for every task given up on.
func WithDropHook(fn func(DeliveryTask)) Option {
	return func(n *Notifier) { n.onDrop = fn }
}

type Notifier struct {
	cfg    Config
	client chat.Client
	rooms  map[string][]string
	logger *zap.Logger
	mirror Mirror
	onDrop func(DeliveryTask)

	joinedMu sync.Mutex
	joined   map[string]bool

	delivered atomic.Uint64
	retried   atomic.Uint64
	dropped   atomic.Uint64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, client chat.Client, accounts []domain.Account, logger *zap.Logger, opts ...Option) *Notifier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = max(DefaultMaxDelay, cfg.BaseDelay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	rooms := make(map[string][]string, len(accounts))
	for _, acc := range accounts {
		if len(acc.Rooms) > 0 {
			rooms[acc.ID] = acc.Rooms
		}
	}
	n := &Notifier{
		cfg:    cfg,
		client: client,
		rooms:  rooms,
		logger: logger,
		joined: make(map[string]bool),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Rooms returns the target rooms of an account.
func (n *Notifier) Rooms(accountID string) []string {
	if rooms, ok := n.rooms[accountID]; ok {
		return rooms
	}
	return n.cfg.DefaultRooms
}

func (n *Notifier) Stats() Stats {
	return Stats{
		Delivered: n.delivered.Load(),
		Retried:   n.retried.Load(),
		Dropped:   n.dropped.Load(),
	}
}

// Run delivers events one at a time until ctx is done or src is closed. An
// event interrupted by cancellation is put back at the head of src.
func (n *Notifier) Run(ctx context.Context, src Source) error {
	for {
		ev, err := src.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			n.logger.Info("notifier stopped", zap.Error(err))
			return nil
		}
		if err := n.Deliver(ctx, ev); err != nil {
			src.Requeue(ev)
			n.logger.Info("delivery interrupted, event requeued", zap.String("event_id", ev.ID), zap.Error(err))
			return nil
		}
		src.Done()
	}
}

// Deliver sends ev to every target room. Tasks that fail for good are dropped
// and reported; only cancellation of ctx is returned.
func (n *Notifier) Deliver(ctx context.Context, ev domain.Event) error {
	log := n.logger.With(
		zap.String("event_id", ev.ID),
		zap.String("kind", string(ev.Kind)),
		zap.String("account", ev.AccountID),
	)

	rooms := n.Rooms(ev.AccountID)
	msg, err := Format(ev)
	if err != nil {
		for _, room := range rooms {
			n.drop(log, &DeliveryTask{Event: ev, Room: room, LastErr: err})
		}
		return nil
	}
	if len(rooms) == 0 {
		log.Warn("no target room, event dropped")
		n.dropped.Add(1)
		return nil
	}

	sent := 0
	for _, room := range rooms {
		task := &DeliveryTask{Event: ev, Room: room}
		ok, err := n.run(ctx, log.With(zap.String("room", room)), task, msg)
		if err != nil {
			return err
		}
		if ok {
			sent++
		}
	}

	if sent > 0 && n.mirror != nil {
		if err := n.mirror.PublishEvent(ctx, ev); err != nil {
			log.Warn("mirror publish failed", zap.Error(err))
		}
	}
	return nil
}

// run drives one task to delivery or drop. err is non-nil only when ctx ends.
func (n *Notifier) run(ctx context.Context, log *zap.Logger, task *DeliveryTask, msg chat.Message) (bool, error) {
	msg.TxnID = txnID(task.Event.ID, task.Room)
	for {
		task.Attempts++
		err := n.send(ctx, task.Room, msg)
		if err == nil {
			n.delivered.Add(1)
			log.Info("event delivered", zap.Int("attempt", task.Attempts))
			return true, nil
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		task.LastErr = err

		if domain.IsPermanent(err) || task.Attempts >= n.cfg.MaxAttempts {
			n.drop(log, task)
			return false, nil
		}

		delay := n.backoff(task.Attempts)
		task.NextRetryAt = n.now().Add(delay)
		n.retried.Add(1)
		log.Warn("delivery failed, retrying",
			zap.Int("attempt", task.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if serr := n.sleep(ctx, delay); serr != nil {
			return false, serr
		}
		if errors.Is(err, chat.ErrSessionExpired) {
			n.reconnect(ctx, log)
		}
	}
}

func (n *Notifier) send(ctx context.Context, room string, msg chat.Message) error {
	if !n.isJoined(room) {
		if err := n.client.JoinRoom(ctx, room); err != nil {
			return err
		}
		n.setJoined(room)
	}
	return n.client.SendMessage(ctx, room, msg)
}

// reconnect re-establishes the session and forgets joined rooms so the next
// send joins again. A failure is left to the next attempt.
func (n *Notifier) reconnect(ctx context.Context, log *zap.Logger) {
	if err := n.client.Connect(ctx); err != nil {
		log.Warn("chat reconnect failed", zap.Error(err))
		return
	}
	n.joinedMu.Lock()
	n.joined = make(map[string]bool)
	n.joinedMu.Unlock()
	log.Info("chat reconnected")
}

func (n *Notifier) drop(log *zap.Logger, task *DeliveryTask) {
	n.dropped.Add(1)
	log.Error("delivery dropped",
		zap.String("room", task.Room),
		zap.Int("attempts", task.Attempts),
		zap.Error(task.LastErr),
	)
	if n.onDrop != nil {
		n.onDrop(*task)
	}
}

// backoff is BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (n *Notifier) backoff(attempt int) time.Duration {
	d := n.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= n.cfg.MaxDelay || d <= 0 {
			return n.cfg.MaxDelay
		}
	}
	return min(d, n.cfg.MaxDelay)
}

func (n *Notifier) isJoined(room string) bool {
	n.joinedMu.Lock()
	defer n.joinedMu.Unlock()
	return n.joined[room]
}

func (n *Notifier) setJoined(room string) {
	n.joinedMu.Lock()
	n.joined[room] = true
	n.joinedMu.Unlock()
}

// txnID is stable per event and room, so a resend after a lost response is
// deduplicated by the homeserver.
func txnID(eventID, room string) string {
	return domain.NewEventID(eventID, "txn", room, "")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"catalog-task-pipeline/internal/models"
	"catalog-task-pipeline/internal/telemetry"
)

var (
	ErrClosed = errors.New("subscriber closed")
	ErrSlow   = errors.New("subscriber send buffer full")
)

// Subscriber is one registered push recipient.
type Subscriber interface {
	ID() string
	Open() bool
	Send(msg []byte) error
}

// Relay carries encoded envelopes between server instances. Listen returns
// once the subscription is live and calls deliver until ctx is done.
type Relay interface {
	Publish(ctx context.Context, msg []byte) error
	Listen(ctx context.Context, deliver func([]byte)) error
}

// Broadcaster fans task status updates out to every open subscriber.
// Delivery is best effort: no replay, no acknowledgement.
type Broadcaster struct {
	mu    sync.RWMutex
	subs  map[string]Subscriber
	relay Relay
	log   logrus.FieldLogger
}

type Option func(*Broadcaster)

// WithRelay routes every notification through r so subscribers connected to
// other instances receive it too.
func WithRelay(r Relay) Option {
	return func(b *Broadcaster) { b.relay = r }
}

func NewBroadcaster(log logrus.FieldLogger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		subs: make(map[string]Subscriber),
		log:  log,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start attaches the broadcaster to its relay. Without a relay it is a no-op.
func (b *Broadcaster) Start(ctx context.Context) error {
	if b.relay == nil {
		return nil
	}
	return b.relay.Listen(ctx, func(msg []byte) { b.deliver(msg) })
}

func (b *Broadcaster) Register(s Subscriber) {
	b.mu.Lock()
	b.subs[s.ID()] = s
	n := len(b.subs)
	b.mu.Unlock()
	telemetry.SubscribersGauge.Set(float64(n))
	b.log.WithField("subscriber_id", s.ID()).Debug("push subscriber registered")
}

func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()
	telemetry.SubscribersGauge.Set(float64(n))
	b.log.WithField("subscriber_id", id).Debug("push subscriber dropped")
}

// Subscribers returns the number of registered subscribers on this instance.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Notify announces a status change for taskID. data is encoded as the
// payload's data field when non-nil. Failures are logged, never returned.
func (b *Broadcaster) Notify(ctx context.Context, taskID string, status models.Status, errMsg string, data any) {
	update := models.StatusUpdate{TaskID: taskID, Status: status, Error: errMsg}
	if data != nil {
		raw, err := encodeData(data)
		if err != nil {
			b.log.WithError(err).WithField("task_id", taskID).Warn("encode push data")
		} else {
			update.Data = raw
		}
	}
	msg, err := models.NewStatusEnvelope(update)
	if err != nil {
		b.log.WithError(err).WithField("task_id", taskID).Error("encode push envelope")
		return
	}

	if b.relay != nil {
		err := b.relay.Publish(ctx, msg)
		if err == nil {
			return
		}
		b.log.WithError(err).WithField("task_id", taskID).Warn("relay publish failed, delivering locally")
	}
	b.deliver(msg)
}

func encodeData(data any) (json.RawMessage, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(data)
}

// deliver writes msg to every open subscriber and returns how many accepted it.
func (b *Broadcaster) deliver(msg []byte) int {
	b.mu.RLock()
	targets := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if !s.Open() {
			telemetry.BroadcastsSkipped.Inc()
			continue
		}
		if err := s.Send(msg); err != nil {
			telemetry.BroadcastsSkipped.Inc()
			b.log.WithError(err).WithField("subscriber_id", s.ID()).Debug("push send skipped")
			continue
		}
		telemetry.BroadcastsSent.Inc()
		sent++
	}
	return sent
}

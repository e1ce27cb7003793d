// Package progress publishes job and task state changes. Every event is
// appended to the durable log before it is fanned out, so late subscribers
// can replay what they missed or start from a snapshot.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ShayCichocki/researcher/internal/metrics"
	"github.com/ShayCichocki/researcher/internal/state"
	"github.com/ShayCichocki/researcher/pkg/models"
)

const (
	// DefaultBufferSize is the per-subscriber live buffer.
	DefaultBufferSize = 64
	// DefaultSendTimeout is how long a full subscriber may block fan-out
	// before it is closed.
	DefaultSendTimeout = 100 * time.Millisecond
)

// Store is the persistence the publisher needs.
type Store interface {
	state.EventStore
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListTasks(ctx context.Context, jobID string) ([]models.Task, error)
}

// Publisher appends events to the log and delivers them to subscribers.
type Publisher struct {
	store       Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
	bufferSize  int
	sendTimeout time.Duration
	now         func() time.Time

	// mu serializes append and fan-out so subscribers see events in
	// sequence order. It also guards subs.
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the publisher's logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics records published events and subscriber churn.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Publisher) { p.metrics = m }
}

// WithBufferSize sets the per-subscriber buffer.
func WithBufferSize(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// WithSendTimeout sets how long fan-out waits on a full subscriber.
func WithSendTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.sendTimeout = d
		}
	}
}

// NewPublisher creates a publisher backed by store.
func NewPublisher(store Store, opts ...Option) *Publisher {
	p := &Publisher{
		store:       store,
		logger:      slog.Default(),
		bufferSize:  DefaultBufferSize,
		sendTimeout: DefaultSendTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		subs:        make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish appends an event for jobID and fans it out to the job's
// subscribers. data is encoded as JSON. A terminal event closes every
// subscription for the job once it has been delivered.
func (p *Publisher) Publish(ctx context.Context, jobID string, typ models.EventType, data any) (models.Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.Event{}, fmt.Errorf("encode %s event: %w", typ, err)
	}
	e := models.Event{JobID: jobID, Type: typ, Data: raw, Timestamp: p.now()}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.store.AppendEvent(ctx, &e); err != nil {
		return models.Event{}, fmt.Errorf("publish %s: %w", typ, err)
	}
	p.metrics.EventPublished(string(typ))

	for sub := range p.subs[jobID] {
		if !p.deliver(sub, e) {
			p.logger.Warn("closing lagging subscriber", "job_id", jobID, "seq", e.Seq)
			p.metrics.SubscriberDropped()
			sub.lagged = true
			p.removeLocked(sub)
		}
	}
	if typ.Terminal() {
		for sub := range p.subs[jobID] {
			p.removeLocked(sub)
		}
	}
	return e, nil
}

// deliver tries an immediate send, then waits up to sendTimeout.
func (p *Publisher) deliver(sub *Subscription, e models.Event) bool {
	select {
	case sub.live <- e:
		return true
	default:
	}

	timer := time.NewTimer(p.sendTimeout)
	defer timer.Stop()
	select {
	case sub.live <- e:
		return true
	case <-timer.C:
		return false
	}
}

// Subscribe delivers a job's events with seq greater than afterSeq, then
// live events as they are published. A negative afterSeq skips replay.
// The returned subscription's channel closes when ctx is done, when the job
// publishes a terminal event, or when the subscriber falls behind. For a job
// whose terminal event is already logged it closes after the replay.
func (p *Publisher) Subscribe(ctx context.Context, jobID string, afterSeq int64) (*Subscription, error) {
	sub := &Subscription{
		jobID: jobID,
		live:  make(chan models.Event, p.bufferSize),
		out:   make(chan models.Event),
		done:  make(chan struct{}),
	}

	p.mu.Lock()
	var replay []models.Event
	var err error
	if afterSeq >= 0 {
		replay, err = p.store.ListEvents(ctx, jobID, afterSeq)
	}
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("replay events: %w", err)
	}
	finished := len(replay) > 0 && replay[len(replay)-1].Type.Terminal()
	if len(replay) == 0 {
		// Nothing to replay: the job may already have published its
		// terminal event at or before afterSeq.
		finished, err = p.endedLocked(ctx, jobID)
		if err != nil {
			p.mu.Unlock()
			return nil, err
		}
	}
	if !finished {
		if p.subs[jobID] == nil {
			p.subs[jobID] = make(map[*Subscription]struct{})
		}
		p.subs[jobID][sub] = struct{}{}
		p.metrics.SubscriberAdded(1)
	} else {
		close(sub.live)
	}
	p.mu.Unlock()

	go p.pump(ctx, sub, replay)
	return sub, nil
}

// endedLocked reports whether the last event in the job's log is terminal.
func (p *Publisher) endedLocked(ctx context.Context, jobID string) (bool, error) {
	last, err := p.store.LastEventSeq(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("last event: %w", err)
	}
	if last == 0 {
		return false, nil
	}
	tail, err := p.store.ListEvents(ctx, jobID, last-1)
	if err != nil {
		return false, fmt.Errorf("last event: %w", err)
	}
	return len(tail) > 0 && tail[len(tail)-1].Type.Terminal(), nil
}

// pump forwards replayed then live events to the subscriber.
func (p *Publisher) pump(ctx context.Context, sub *Subscription, replay []models.Event) {
	defer close(sub.done)
	defer close(sub.out)
	defer p.remove(sub)

	for _, e := range replay {
		select {
		case sub.out <- e:
		case <-ctx.Done():
			return
		}
	}
	for {
		select {
		case e, ok := <-sub.live:
			if !ok {
				return
			}
			select {
			case sub.out <- e:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (p *Publisher) remove(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(sub)
}

// removeLocked unregisters sub and closes its live channel. It is a no-op
// for a subscription that was already removed.
func (p *Publisher) removeLocked(sub *Subscription) {
	subs, ok := p.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(p.subs, sub.jobID)
	}
	close(sub.live)
	p.metrics.SubscriberAdded(-1)
}

// SubscriberCount returns the number of live subscriptions for a job.
func (p *Publisher) SubscriberCount(jobID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs[jobID])
}

// Snapshot returns the job, its tasks and the sequence of the last event
// reflected in them. It returns state.ErrNotFound for an unknown job.
func (p *Publisher) Snapshot(ctx context.Context, jobID string) (*models.JobSnapshot, error) {
	// Holding mu keeps LastSeq consistent with the job and task rows, since
	// state changes are persisted before their event is published.
	p.mu.Lock()
	defer p.mu.Unlock()

	seq, err := p.store.LastEventSeq(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("snapshot %s: %w", jobID, state.ErrNotFound)
	}
	tasks, err := p.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return &models.JobSnapshot{Job: *job, Tasks: tasks, LastSeq: seq}, nil
}

// Subscription is one subscriber's view of a job's events.
type Subscription struct {
	jobID  string
	live   chan models.Event
	out    chan models.Event
	done   chan struct{}
	lagged bool
}

// Events returns the channel of delivered events. It is closed when the
// subscription ends.
func (s *Subscription) Events() <-chan models.Event {
	return s.out
}

// Done is closed after Events has been closed.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Lagged reports whether the subscription was closed for falling behind.
// Only meaningful after Done is closed.
func (s *Subscription) Lagged() bool {
	<-s.done
	return s.lagged
}

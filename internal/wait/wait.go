// Package wait re-evaluates a condition whenever a trigger fires, until it
// holds, the deadline passes or the wait is cancelled.
//
// The trigger is registered before the condition is evaluated for the first
// time, and triggers arriving while the condition runs are coalesced into
// one more evaluation, so a change that happens between two evaluations is
// never missed.
package wait

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dhruvsoni1802/browser-bidi/internal/errext"
)

// Condition reports whether the awaited state holds, and the value it
// resolves the wait with.
type Condition[T any] func(ctx context.Context) (value T, ok bool, err error)

// Strategy decides when a condition is re-evaluated. Subscribe arranges for
// notify to be called on every trigger and returns a function that stops it.
type Strategy interface {
	Subscribe(notify func()) (release func())
}

// ExternalSignal adapts a subscription to some outside signal, typically an
// event emitter, into a Strategy.
type ExternalSignal func(notify func()) (release func())

func (f ExternalSignal) Subscribe(notify func()) func() { return f(notify) }

type interval time.Duration

// Interval re-evaluates the condition every d.
func Interval(d time.Duration) Strategy { return interval(d) }

func (d interval) Subscribe(notify func()) func() {
	ticker := time.NewTicker(time.Duration(d))
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		for {
			select {
			case <-ticker.C:
				notify()
			case <-stop:
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stop)
		<-exited
	}
}

// Trigger is a Strategy fired by hand.
type Trigger struct {
	mu      sync.Mutex
	nextID  int
	notifys map[int]func()
}

// Immediate returns a Trigger: the condition is re-evaluated each time the
// caller calls Fire.
func Immediate() *Trigger {
	return &Trigger{notifys: make(map[int]func())}
}

func (t *Trigger) Subscribe(notify func()) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.notifys[id] = notify
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.notifys, id)
		t.mu.Unlock()
	}
}

// Fire wakes every wait using t.
func (t *Trigger) Fire() {
	t.mu.Lock()
	fns := make([]func(), 0, len(t.notifys))
	for _, fn := range t.notifys {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Status is the state of a Task.
type Status int

const (
	Pending Status = iota
	Resolved
	TimedOut
	Cancelled
	Failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Resolved:
		return "resolved"
	case TimedOut:
		return "timed out"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Outcome is how a Task ended.
type Outcome[T any] struct {
	Status Status
	Value  T
	Err    error
}

type options struct {
	timeout time.Duration
	op      string
}

// Option configures a wait.
type Option func(*options)

// WithTimeout ends the wait with a TimeoutError after d.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithName sets the operation name reported in a TimeoutError.
func WithName(op string) Option {
	return func(o *options) { o.op = op }
}

// Task is a running wait.
type Task[T any] struct {
	cancel context.CancelFunc
	done   chan struct{}

	outcome Outcome[T]
}

// Start registers the trigger, then evaluates cond in the background. The
// returned Task is already subscribed to strategy.
func Start[T any](ctx context.Context, cond Condition[T], strategy Strategy, opts ...Option) *Task[T] {
	o := options{op: "wait"}
	for _, opt := range opts {
		opt(&o)
	}

	start := time.Now()
	ctx, cancel := context.WithCancel(ctx)
	timeout := o.timeout
	var cancelTimeout context.CancelFunc = func() {}
	if timeout > 0 {
		ctx, cancelTimeout = context.WithTimeout(ctx, timeout)
	} else if dl, ok := ctx.Deadline(); ok {
		timeout = dl.Sub(start)
	}

	t := &Task[T]{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	kick := make(chan struct{}, 1)
	release := strategy.Subscribe(func() {
		select {
		case kick <- struct{}{}:
		default:
		}
	})

	go func() {
		defer cancel()
		defer cancelTimeout()
		out := t.run(ctx, cond, kick)
		if out.Status == TimedOut {
			out.Err = &errext.TimeoutError{Op: o.op, Timeout: timeout, Elapsed: time.Since(start)}
		}
		release()
		t.outcome = out
		close(t.done)
	}()
	return t
}

func (t *Task[T]) run(ctx context.Context, cond Condition[T], kick <-chan struct{}) Outcome[T] {
	for {
		v, ok, err := cond(ctx)
		switch {
		case ctx.Err() != nil:
			return ctxOutcome[T](ctx)
		case err != nil:
			return Outcome[T]{Status: Failed, Err: err}
		case ok:
			return Outcome[T]{Status: Resolved, Value: v}
		}

		select {
		case <-kick:
		case <-ctx.Done():
			return ctxOutcome[T](ctx)
		}
	}
}

func ctxOutcome[T any](ctx context.Context) Outcome[T] {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Outcome[T]{Status: TimedOut}
	}
	return Outcome[T]{Status: Cancelled}
}

// Cancel stops the wait. It ends Cancelled unless it already ended.
func (t *Task[T]) Cancel() { t.cancel() }

// Done is closed once the wait ended and its trigger was released.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// Outcome blocks until the wait ends.
func (t *Task[T]) Outcome() Outcome[T] {
	<-t.done
	return t.outcome
}

// Result blocks until the wait ends. A cancelled wait returns the zero value
// and a nil error; use Outcome to tell it apart from a resolved one.
func (t *Task[T]) Result() (T, error) {
	out := t.Outcome()
	return out.Value, out.Err
}

// Until starts a wait and blocks for its result.
func Until[T any](ctx context.Context, cond Condition[T], strategy Strategy, opts ...Option) (T, error) {
	return Start(ctx, cond, strategy, opts...).Result()
}

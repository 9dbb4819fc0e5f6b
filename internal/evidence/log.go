package evidence

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Store is the durable backing for signed spans.
type Store interface {
	InsertSpan(ctx context.Context, signed SignedSpan) error
}

// Options tune the evidence log.
type Options struct {
	QueueSize    int
	WriteRetries int
	RetryBackoff time.Duration
}

// Log signs spans and persists them asynchronously. The write path is
// decoupled from the caller: a slow or cancelled upstream request never
// drops evidence, and storage failures surface on operator counters rather
// than in the request flow.
type Log struct {
	keyring *Keyring
	store   Store
	opts    Options
	logger  zerolog.Logger

	queue chan SignedSpan
	wg    sync.WaitGroup

	appended atomic.Int64
	dropped  atomic.Int64
	backlog  atomic.Int64
}

// NewLog constructs an evidence log. Call Run to start the writer.
func NewLog(keyring *Keyring, store Store, opts Options, logger zerolog.Logger) *Log {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 250 * time.Millisecond
	}
	return &Log{
		keyring: keyring,
		store:   store,
		opts:    opts,
		logger:  logger.With().Str("component", "evidence").Logger(),
		queue:   make(chan SignedSpan, opts.QueueSize),
	}
}

// Append signs the span and enqueues it for persistence. It fails closed
// when no signing key is available, and reports a full queue as a drop
// rather than blocking the hot path.
func (l *Log) Append(span Span) (SignedSpan, error) {
	signed, err := l.keyring.Sign(span)
	if err != nil {
		return SignedSpan{}, err
	}

	select {
	case l.queue <- signed:
		l.backlog.Add(1)
	default:
		l.dropped.Add(1)
		l.logger.Error().Str("span_id", span.SpanID).Msg("evidence queue full; span dropped")
	}
	return signed, nil
}

// Verify checks a signed span against the keyring.
func (l *Log) Verify(signed SignedSpan) (bool, error) {
	return l.keyring.Verify(signed)
}

// Run drains the queue until ctx is cancelled, then flushes what remains.
func (l *Log) Run(ctx context.Context) {
	l.wg.Add(1)
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			l.drain()
			return
		case signed := <-l.queue:
			l.persist(signed)
		}
	}
}

// Wait blocks until the writer has stopped.
func (l *Log) Wait() {
	l.wg.Wait()
}

func (l *Log) drain() {
	for {
		select {
		case signed := <-l.queue:
			l.persist(signed)
		default:
			return
		}
	}
}

// persist writes one span with a bounded retry budget. Past the budget the
// span counts as dropped and an escalation is logged: silently retrying
// further would risk reordering evidence.
func (l *Log) persist(signed SignedSpan) {
	l.backlog.Add(-1)

	var err error
	for attempt := 0; attempt <= l.opts.WriteRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(l.opts.RetryBackoff * time.Duration(attempt))
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = l.store.InsertSpan(ctx, signed)
		cancel()
		if err == nil {
			l.appended.Add(1)
			return
		}
	}

	l.dropped.Add(1)
	l.logger.Error().
		Err(err).
		Str("span_id", signed.Span.SpanID).
		Int("attempts", l.opts.WriteRetries+1).
		Msg("evidence write failed past retry budget; escalating")
}

// Stats reports operator-visible counters.
func (l *Log) Stats() (appended, dropped, backlog int64) {
	return l.appended.Load(), l.dropped.Load(), l.backlog.Load()
}

// SigningReady reports whether an active signing key is configured.
func (l *Log) SigningReady() bool {
	return l.keyring.ActiveVersion() != ""
}

// QueueSaturated reports whether the write queue is at capacity, meaning
// further appends would drop.
func (l *Log) QueueSaturated() bool {
	return l.backlog.Load() >= int64(l.opts.QueueSize)
}

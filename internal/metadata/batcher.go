package metadata

import (
	"log/slog"
	"sync"
	"time"
)

// batchSize and flushInterval bound the request-log batcher (spec section
// 6: ingest in batches of up to 50 or every 5 seconds, whichever comes
// first).
const (
	batchSize     = 50
	flushInterval = 5 * time.Second

	// maxPending bounds the buffered backlog; entries arriving while the
	// buffer is full are dropped with a warning rather than blocking the
	// request path.
	maxPending = 1000
)

// RequestLogger batches HTTPRequestLog entries per session and flushes them
// to a Client. It is best-effort: a full buffer drops new entries with a
// warning rather than blocking the request path.
type RequestLogger struct {
	client    Client
	sessionID string
	logger    *slog.Logger

	mu      sync.Mutex
	pending []HTTPRequestLog

	flush  chan struct{}
	done   chan struct{}
	closed sync.Once
}

// NewRequestLogger starts a background flush loop for sessionID's request
// log, deriving entries from the agent's forwarded requests and the
// relay's observed response status.
func NewRequestLogger(client Client, sessionID string, logger *slog.Logger) *RequestLogger {
	l := &RequestLogger{
		client:    client,
		sessionID: sessionID,
		logger:    logger,
		flush:     make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	go l.run()
	return l
}

// Add enqueues a log entry, flushing immediately if the batch is full.
func (l *RequestLogger) Add(entry HTTPRequestLog) {
	l.mu.Lock()
	if len(l.pending) >= maxPending {
		l.mu.Unlock()
		l.logger.Warn("request log buffer full, dropping entry", "session_id", l.sessionID)
		return
	}
	l.pending = append(l.pending, entry)
	full := len(l.pending) >= batchSize
	l.mu.Unlock()

	if full {
		select {
		case l.flush <- struct{}{}:
		default:
		}
	}
}

func (l *RequestLogger) run() {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.flushNow()
		case <-l.flush:
			l.flushNow()
		case <-l.done:
			l.flushNow()
			return
		}
	}
}

// flushNow drains the buffer in batches of at most batchSize per
// ingest_requests call; the backlog can exceed one batch when entries
// accumulate faster than the flush loop is serviced.
func (l *RequestLogger) flushNow() {
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		n := len(l.pending)
		if n > batchSize {
			n = batchSize
		}
		batch := make([]HTTPRequestLog, n)
		copy(batch, l.pending)
		l.pending = l.pending[n:]
		l.mu.Unlock()

		l.client.IngestRequests(l.sessionID, batch)
	}
}

// Close flushes any remaining entries and stops the background loop.
func (l *RequestLogger) Close() {
	l.closed.Do(func() { close(l.done) })
}

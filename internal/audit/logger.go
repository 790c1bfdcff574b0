package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/org/lockr/internal/storage"
	"github.com/org/lockr/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sink receives committed audit entries.
type Sink interface {
	Name() string
	Write(ctx context.Context, entry *models.AuditEntry) error
}

// Logger assigns sequence numbers and timestamps to audit entries and
// writes them to the backend, then mirrors them to extra sinks in sequence
// order. A backend write failure is returned to the caller; mirror failures
// are only logged.
type Logger struct {
	store   storage.Backend
	mirrors []Sink
	log     zerolog.Logger
	now     func() time.Time

	mu   sync.Mutex
	seq  int64
	last time.Time
}

// NewLogger creates an audit Logger that continues the sequence already in store.
func NewLogger(ctx context.Context, store storage.Backend, mirrors ...Sink) (*Logger, error) {
	seq, err := store.LastAuditSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading audit sequence: %w", err)
	}
	return &Logger{
		store:   store,
		mirrors: mirrors,
		log:     log.With().Str("component", "audit").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
		seq:     seq,
	}, nil
}

// Record stamps entry with the next sequence number and a non-decreasing
// timestamp and appends it. Secret values must never be passed here.
func (l *Logger) Record(ctx context.Context, entry *models.AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now()
	if ts.Before(l.last) {
		ts = l.last
	}
	entry.Seq = l.seq + 1
	entry.Timestamp = ts
	if entry.RequestID == "" {
		entry.RequestID = RequestID(ctx)
	}
	if err := l.store.WriteAuditEntry(ctx, entry); err != nil {
		l.log.Error().Err(err).Str("action", entry.Action).Str("scope", entry.Scope).
			Str("principal", entry.Principal).Msg("audit write failed")
		return fmt.Errorf("writing audit entry: %w", err)
	}
	l.seq = entry.Seq
	l.last = ts

	// Mirrors are written under the lock so every sink sees seq order.
	for _, m := range l.mirrors {
		if err := m.Write(ctx, entry); err != nil {
			l.log.Warn().Err(err).Str("sink", m.Name()).Int64("seq", entry.Seq).Msg("audit mirror failed")
		}
	}
	return nil
}

// Query retrieves paginated audit log entries in sequence order.
func (l *Logger) Query(ctx context.Context, filter storage.AuditFilter) ([]*models.AuditEntry, error) {
	return l.store.QueryAuditLog(ctx, filter)
}

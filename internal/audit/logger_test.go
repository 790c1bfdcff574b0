package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/org/lockr/internal/storage"
	"github.com/org/lockr/pkg/models"
)

type failingStore struct {
	*storage.MemoryBackend
}

func (failingStore) WriteAuditEntry(context.Context, *models.AuditEntry) error {
	return errors.New("disk full")
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
	fail     bool
}

func (p *recordingPublisher) PublishJSON(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("no responders")
	}
	p.subjects = append(p.subjects, subject)
	return nil
}

func entry(action string) *models.AuditEntry {
	return &models.AuditEntry{Actor: "ops", Action: action, Scope: "db1", Principal: "admin", Outcome: models.OutcomeSuccess}
}

func TestRecordAssignsSequenceAndMonotonicTime(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	l, err := NewLogger(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	l.now = func() time.Time { ts := clock[i]; i++; return ts }

	for range clock {
		if err := l.Record(ctx, entry(models.ActionRetrieve)); err != nil {
			t.Fatal(err)
		}
	}
	got, _ := l.Query(ctx, storage.AuditFilter{})
	if len(got) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Errorf("entry %d has seq %d", i, e.Seq)
		}
		if i > 0 && e.Timestamp.Before(got[i-1].Timestamp) {
			t.Errorf("timestamp went backwards at seq %d", e.Seq)
		}
	}
	if !got[1].Timestamp.Equal(base) {
		t.Errorf("clock skew not clamped: %v", got[1].Timestamp)
	}
}

func TestLoggerContinuesSequence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	first, _ := NewLogger(ctx, store)
	for i := 0; i < 4; i++ {
		first.Record(ctx, entry(models.ActionCreate)) //nolint:errcheck
	}
	second, err := NewLogger(ctx, store)
	if err != nil {
		t.Fatal(err)
	}
	e := entry(models.ActionRotate)
	if err := second.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	if e.Seq != 5 {
		t.Errorf("expected seq 5 after restart, got %d", e.Seq)
	}
}

func TestConcurrentRecordsAreTotallyOrdered(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryBackend()
	l, _ := NewLogger(ctx, store)
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(ctx, entry(models.ActionRetrieve)) //nolint:errcheck
		}()
	}
	wg.Wait()
	got, _ := l.Query(ctx, storage.AuditFilter{})
	if len(got) != 40 {
		t.Fatalf("expected 40 entries, got %d", len(got))
	}
	for i, e := range got {
		if e.Seq != int64(i+1) {
			t.Fatalf("insertion order and seq disagree at %d: %d", i, e.Seq)
		}
	}
}

type seqSink struct {
	mu   sync.Mutex
	seqs []int64
}

func (s *seqSink) Name() string { return "seq" }

func (s *seqSink) Write(_ context.Context, e *models.AuditEntry) error {
	// Widen the window between the backend write and the mirror.
	time.Sleep(time.Duration(e.Seq%3) * time.Millisecond)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seqs = append(s.seqs, e.Seq)
	return nil
}

func TestConcurrentMirrorsSeeSequenceOrder(t *testing.T) {
	ctx := context.Background()
	sink := &seqSink{}
	l, _ := NewLogger(ctx, storage.NewMemoryBackend(), sink)
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Record(ctx, entry(models.ActionRetrieve)) //nolint:errcheck
		}()
	}
	wg.Wait()
	if len(sink.seqs) != 30 {
		t.Fatalf("mirror got %d entries", len(sink.seqs))
	}
	for i, seq := range sink.seqs {
		if seq != int64(i+1) {
			t.Fatalf("mirror order broken at %d: seq %d", i, seq)
		}
	}
}

func TestStoreFailureIsReturned(t *testing.T) {
	ctx := context.Background()
	pub := &recordingPublisher{}
	l, _ := NewLogger(ctx, failingStore{storage.NewMemoryBackend()}, NewNATSSink(pub, ""))
	if err := l.Record(ctx, entry(models.ActionCreate)); err == nil {
		t.Fatal("expected error when the backend rejects the entry")
	}
	if len(pub.subjects) != 0 {
		t.Error("mirror received an entry the backend did not commit")
	}
}

func TestMirrors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fileSink, err := NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer fileSink.Close()
	pub := &recordingPublisher{}
	broken := &recordingPublisher{fail: true}

	l, _ := NewLogger(ctx, storage.NewMemoryBackend(), fileSink, NewNATSSink(pub, ""), NewNATSSink(broken, "other"))
	for _, a := range []string{models.ActionCreate, models.ActionRetrieve} {
		if err := l.Record(ctx, entry(a)); err != nil {
			t.Fatalf("mirror failure must not fail Record: %v", err)
		}
	}

	if len(pub.subjects) != 2 || pub.subjects[0] != "lockr.audit" {
		t.Errorf("unexpected published subjects %v", pub.subjects)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	var lines []models.AuditEntry
	for sc.Scan() {
		var e models.AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("bad json line: %v", err)
		}
		lines = append(lines, e)
	}
	if len(lines) != 2 || lines[1].Seq != 2 || lines[1].Action != models.ActionRetrieve {
		t.Errorf("unexpected file contents %+v", lines)
	}
	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("audit file mode %v", info.Mode().Perm())
	}
}

func TestRecordTakesRequestIDFromContext(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-42")
	l, _ := NewLogger(ctx, storage.NewMemoryBackend())
	e := entry(models.ActionCreate)
	if err := l.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	if e.RequestID != "req-42" {
		t.Errorf("expected request id from context, got %q", e.RequestID)
	}
	if RequestID(context.Background()) != "" {
		t.Error("empty context should carry no request id")
	}
}

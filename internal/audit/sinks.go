package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/org/lockr/internal/messaging"
	"github.com/org/lockr/pkg/models"
)

// FileSink appends entries as JSON lines to a local file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens path for appending, creating it with 0600 permissions.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit file: %w", err)
	}
	return &FileSink{file: f}, nil
}

func (s *FileSink) Name() string { return "file" }

func (s *FileSink) Write(_ context.Context, e *models.AuditEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(line); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NATSSink publishes each entry to a subject.
type NATSSink struct {
	pub     messaging.Publisher
	subject string
}

// NewNATSSink returns a sink publishing to subject (messaging.SubjectAudit if empty).
func NewNATSSink(pub messaging.Publisher, subject string) *NATSSink {
	if subject == "" {
		subject = messaging.SubjectAudit
	}
	return &NATSSink{pub: pub, subject: subject}
}

func (s *NATSSink) Name() string { return "nats" }

func (s *NATSSink) Write(ctx context.Context, e *models.AuditEntry) error {
	return s.pub.PublishJSON(ctx, s.subject, e)
}

package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/org/lockr/pkg/models"
)

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context, string) (time.Duration, error) {
	if f.err != nil {
		return 0, f.err
	}
	return time.Millisecond, nil
}

type fakeSession struct {
	outputs map[string]string
	closed  atomic.Bool
}

func (s *fakeSession) Run(_ context.Context, cmd string) (string, error) {
	out, ok := s.outputs[cmd]
	if !ok {
		return "", errors.New("exit status 127")
	}
	return out, nil
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeAuth struct {
	calls   atomic.Int32
	err     error
	session *fakeSession
}

func (f *fakeAuth) Connect(context.Context, string, int) (Session, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

type memResultStore struct {
	mu      sync.Mutex
	results map[string]*models.HostCheckResult
}

func (m *memResultStore) Save(_ context.Context, r *models.HostCheckResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results == nil {
		m.results = map[string]*models.HostCheckResult{}
	}
	m.results[r.Address] = r
	return nil
}

func (m *memResultStore) Latest(_ context.Context, address string) (*models.HostCheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[address]
	if !ok {
		return nil, ErrNoResult
	}
	return r, nil
}

// openPort returns a port on 127.0.0.1 that accepts connections until the test ends.
func openPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

// closedPort returns a port on 127.0.0.1 that refuses connections.
func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func testConfig(port int, fallback ...int) Config {
	cfg := DefaultConfig()
	cfg.Port = port
	cfg.FallbackPorts = fallback
	cfg.PingTimeout = time.Second
	cfg.ConnectTimeout = 2 * time.Second
	cfg.SSHTimeout = 2 * time.Second
	cfg.Budget = 10 * time.Second
	return cfg
}

var healthyOutputs = map[string]string{
	cmdLoadAvg: "0.50 0.40 0.30 1/100 1",
	cmdNProc:   "2",
	cmdMemInfo: meminfo,
	cmdDisk:    "Filesystem 1024-blocks Used Available Capacity Mounted on\n/dev/sda1 100 40 60 40% /\n",
}

func TestProbeRefusedEverywhereIsOffline(t *testing.T) {
	p1, p2, p3 := closedPort(t), closedPort(t), closedPort(t)
	auth := &fakeAuth{session: &fakeSession{}}
	p := New(testConfig(p1, p1, p2, p3),
		WithPinger(fakePinger{err: ErrPingUnavailable}),
		WithAuthenticator(auth))

	r := p.Probe(context.Background(), models.HostRecord{Name: "dead", Address: "127.0.0.1"})

	if r.Reachability.Status != models.StatusOffline || r.Reachability.Code != models.CodeOffline {
		t.Fatalf("reachability = %+v", r.Reachability)
	}
	if r.Overall.Status != models.OverallUnhealthy || r.Overall.Reason != models.ReasonOffline {
		t.Errorf("overall = %+v", r.Overall)
	}
	if len(r.Remediation) == 0 {
		t.Error("expected remediation for an offline host")
	}
	for _, s := range []models.CheckOutcome{r.Port, r.Authentication, r.Resources} {
		if s.Status != models.StatusSkipped || s.Code != models.CodeSkipped {
			t.Errorf("%s = %+v, want skipped", s.Stage, s)
		}
	}
	if n := auth.calls.Load(); n != 0 {
		t.Errorf("authenticator called %d times", n)
	}
	if r.GeneratedAt.IsZero() {
		t.Error("GeneratedAt not set")
	}
}

func TestProbeHealthy(t *testing.T) {
	port := openPort(t)
	sess := &fakeSession{outputs: healthyOutputs}
	store := &memResultStore{}
	p := New(testConfig(port, port),
		WithPinger(fakePinger{err: ErrNoReply}),
		WithAuthenticator(&fakeAuth{session: sess}),
		WithResultStore(store))

	r := p.Probe(context.Background(), models.HostRecord{Name: "web", Address: "127.0.0.1"})

	if r.Overall.Status != models.OverallHealthy || r.Overall.Reason != models.ReasonNone {
		t.Fatalf("overall = %+v (stages %+v)", r.Overall, r.Stages())
	}
	if r.Reachability.Method == "icmp" || r.Reachability.Method == "" {
		t.Errorf("reachability method = %q, want tcp fallback", r.Reachability.Method)
	}
	if r.Port.Status != models.StatusOpen || r.Authentication.Status != models.StatusAuthenticated {
		t.Errorf("port %+v auth %+v", r.Port, r.Authentication)
	}
	if r.Resources.Status != models.StatusHealthy || len(r.Readings) != 3 {
		t.Errorf("resources %+v readings %+v", r.Resources, r.Readings)
	}
	if len(r.Remediation) != 0 {
		t.Errorf("remediation = %v", r.Remediation)
	}
	if !sess.closed.Load() {
		t.Error("session was not closed")
	}
	cached, err := p.Latest(context.Background(), "127.0.0.1")
	if err != nil || cached != r {
		t.Errorf("Latest = %v, %v", cached, err)
	}
}

func TestProbeICMPReply(t *testing.T) {
	port := openPort(t)
	p := New(testConfig(port, closedPort(t)),
		WithPinger(fakePinger{}),
		WithAuthenticator(&fakeAuth{session: &fakeSession{outputs: healthyOutputs}}))

	r := p.Probe(context.Background(), models.HostRecord{Address: "127.0.0.1"})
	if r.Reachability.Status != models.StatusOnline || r.Reachability.Method != "icmp" {
		t.Errorf("reachability = %+v", r.Reachability)
	}
}

func TestProbePortClosed(t *testing.T) {
	open, closed := openPort(t), closedPort(t)
	auth := &fakeAuth{session: &fakeSession{}}
	p := New(testConfig(closed, open),
		WithPinger(fakePinger{err: ErrPingUnavailable}),
		WithAuthenticator(auth))

	r := p.Probe(context.Background(), models.HostRecord{Address: "127.0.0.1"})
	if r.Reachability.Status != models.StatusOnline {
		t.Fatalf("reachability = %+v", r.Reachability)
	}
	if r.Port.Status != models.StatusClosed || r.Port.Code != models.CodePortClosed {
		t.Errorf("port = %+v", r.Port)
	}
	if r.Overall.Reason != models.ReasonPortClosed || r.Overall.Status != models.OverallUnhealthy {
		t.Errorf("overall = %+v", r.Overall)
	}
	if r.Authentication.Status != models.StatusSkipped || auth.calls.Load() != 0 {
		t.Errorf("authentication = %+v, calls %d", r.Authentication, auth.calls.Load())
	}
}

func TestProbeHostPortOverridesDefault(t *testing.T) {
	open := openPort(t)
	p := New(testConfig(closedPort(t), open),
		WithPinger(fakePinger{}),
		WithAuthenticator(&fakeAuth{session: &fakeSession{outputs: healthyOutputs}}))

	r := p.Probe(context.Background(), models.HostRecord{Address: "127.0.0.1", Port: open})
	if r.Port.Status != models.StatusOpen {
		t.Errorf("port = %+v", r.Port)
	}
}

func TestProbeAuthenticationFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
		reason string
	}{
		{"rejected", &HandshakeError{Phase: PhaseAuth, Err: errors.New("unable to authenticate")},
			models.StatusAuthFailed, models.ReasonAuthFailed},
		{"no credential", ErrNoCredential,
			models.StatusNoCredential, models.ReasonNoCredential},
		{"handshake", &HandshakeError{Phase: PhaseHandshake, Err: errors.New("EOF")},
			models.StatusTransportError, models.ReasonTransportError},
		{"host key", &HandshakeError{Phase: PhaseHostKey, Err: errors.New("key mismatch")},
			models.StatusTransportError, models.ReasonTransportError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := openPort(t)
			p := New(testConfig(port, port),
				WithPinger(fakePinger{}),
				WithAuthenticator(&fakeAuth{err: tt.err}))

			r := p.Probe(context.Background(), models.HostRecord{Address: "127.0.0.1"})
			if r.Authentication.Status != tt.status {
				t.Errorf("authentication = %+v", r.Authentication)
			}
			if r.Overall.Status != models.OverallDegraded || r.Overall.Reason != tt.reason {
				t.Errorf("overall = %+v", r.Overall)
			}
			if r.Resources.Status != models.StatusSkipped {
				t.Errorf("resources = %+v", r.Resources)
			}
			if len(r.Remediation) == 0 {
				t.Error("missing remediation")
			}
		})
	}
}

func TestProbeResourceIssues(t *testing.T) {
	port := openPort(t)
	outputs := map[string]string{cmdDisk: dfOutput}
	p := New(testConfig(port, port),
		WithPinger(fakePinger{}),
		WithAuthenticator(&fakeAuth{session: &fakeSession{outputs: outputs}}))

	r := p.Probe(context.Background(), models.HostRecord{Address: "127.0.0.1"})
	if r.Resources.Status != models.StatusIssues {
		t.Fatalf("resources = %+v", r.Resources)
	}
	if r.Overall.Status != models.OverallDegraded || r.Overall.Reason != models.ReasonResourceIssues {
		t.Errorf("overall = %+v", r.Overall)
	}
	if len(r.Remediation) != 1 {
		t.Errorf("remediation = %v", r.Remediation)
	}
}

func TestProbeCancelledContextStillReturnsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(testConfig(22, 22, 80, 443),
		WithPinger(fakePinger{err: ErrNoReply}),
		WithAuthenticator(&fakeAuth{}))

	r := p.Probe(ctx, models.HostRecord{Address: "192.0.2.1"})
	if r == nil {
		t.Fatal("nil result")
	}
	if r.Overall.Status != models.OverallUnhealthy {
		t.Errorf("overall = %+v", r.Overall)
	}
}

func TestSweepKeepsInputOrder(t *testing.T) {
	open := openPort(t)
	cfg := testConfig(open, open)
	cfg.Workers = 3
	p := New(cfg,
		WithPinger(fakePinger{err: ErrPingUnavailable}),
		WithAuthenticator(&fakeAuth{session: &fakeSession{outputs: healthyOutputs}}))

	var hosts []models.HostRecord
	for i := 0; i < 10; i++ {
		if i%2 == 0 {
			hosts = append(hosts, models.HostRecord{Name: "up", Address: "127.0.0.1"})
		} else {
			hosts = append(hosts, models.HostRecord{Name: "down", Address: "127.0.0.1", Port: closedPort(t)})
		}
	}
	results, err := p.Sweep(context.Background(), hosts)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(hosts) {
		t.Fatalf("got %d results", len(results))
	}
	for i, r := range results {
		if r.Host != hosts[i] {
			t.Errorf("result %d is for %+v, want %+v", i, r.Host, hosts[i])
		}
		want := models.ReasonNone
		if hosts[i].Name == "down" {
			want = models.ReasonPortClosed
		}
		if r.Overall.Reason != want {
			t.Errorf("result %d reason = %s, want %s", i, r.Overall.Reason, want)
		}
	}

	empty, err := p.Sweep(context.Background(), nil)
	if err != nil || len(empty) != 0 {
		t.Errorf("empty sweep = %v, %v", empty, err)
	}
}

package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/org/lockr/internal/messaging"
	"github.com/org/lockr/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prober runs the four-stage health pipeline against hosts. A probe never
// fails: every problem is folded into the returned result.
type Prober struct {
	cfg    Config
	pinger Pinger
	dialer Dialer
	auth   Authenticator
	store  ResultStore
	pub    messaging.Publisher
	user   string
	log    zerolog.Logger
	now    func() time.Time
}

// Option customises a Prober.
type Option func(*Prober)

// WithPinger replaces the ICMP pinger.
func WithPinger(p Pinger) Option { return func(pr *Prober) { pr.pinger = p } }

// WithDialer replaces the TCP dialer used for reachability and port checks.
func WithDialer(d Dialer) Option { return func(pr *Prober) { pr.dialer = d } }

// WithAuthenticator replaces the SSH authenticator.
func WithAuthenticator(a Authenticator) Option { return func(pr *Prober) { pr.auth = a } }

// WithResultStore caches every result.
func WithResultStore(s ResultStore) Option { return func(pr *Prober) { pr.store = s } }

// WithPublisher publishes every result on messaging.SubjectProbeResult.
func WithPublisher(p messaging.Publisher) Option { return func(pr *Prober) { pr.pub = p } }

// New creates a Prober. Unset timeouts and thresholds take their defaults.
func New(cfg Config, opts ...Option) *Prober {
	cfg.applyDefaults()
	sa := NewSSHAuthenticator(cfg)
	p := &Prober{
		cfg:    cfg,
		pinger: NewICMPPinger(),
		dialer: &net.Dialer{},
		auth:   sa,
		user:   sa.User,
		log:    log.With().Str("component", "prober").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(p)
	}
	if p.user == "" {
		p.user = cfg.User
	}
	return p
}

// Config returns the effective configuration.
func (p *Prober) Config() Config { return p.cfg }

// Probe assesses one host. The whole probe is bounded by Config.Budget and
// by ctx; each stage timeout is clamped to what remains.
func (p *Prober) Probe(ctx context.Context, host models.HostRecord) *models.HostCheckResult {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Budget)
	defer cancel()

	port := host.Port
	if port == 0 {
		port = p.cfg.Port
	}
	r := &models.HostCheckResult{Host: host, Address: host.Address}
	logger := p.log.With().Str("address", host.Address).Str("host", host.Name).Logger()

	r.Reachability = timed(func() models.CheckOutcome { return p.checkReachability(ctx, host.Address) })
	if r.Reachability.Status != models.StatusOnline {
		r.Port = skipped(models.StagePort, "host is not reachable")
		r.Authentication = skipped(models.StageAuthentication, "host is not reachable")
		r.Resources = skipped(models.StageResources, "host is not reachable")
		return p.finish(ctx, logger, r)
	}

	r.Port = timed(func() models.CheckOutcome {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
		return portOutcome(port, connect(sctx, p.dialer, host.Address, port))
	})
	if r.Port.Status != models.StatusOpen {
		r.Authentication = skipped(models.StageAuthentication, "ssh port is not open")
		r.Resources = skipped(models.StageResources, "ssh port is not open")
		return p.finish(ctx, logger, r)
	}

	var sess Session
	r.Authentication = timed(func() models.CheckOutcome {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.SSHTimeout)
		defer cancel()
		s, err := p.auth.Connect(sctx, host.Address, port)
		sess = s
		return authOutcome(p.user, err)
	})
	if sess == nil || r.Authentication.Status != models.StatusAuthenticated {
		r.Resources = skipped(models.StageResources, "not authenticated")
		return p.finish(ctx, logger, r)
	}
	defer sess.Close()

	r.Resources = timed(func() models.CheckOutcome {
		r.Readings = collectReadings(sessionRunner(ctx, sess, p.cfg), p.cfg.Thresholds)
		return resourcesOutcome(r.Readings)
	})
	return p.finish(ctx, logger, r)
}

func (p *Prober) finish(ctx context.Context, logger zerolog.Logger, r *models.HostCheckResult) *models.HostCheckResult {
	r.Overall = Classify(r.Reachability, r.Port, r.Authentication, r.Resources)
	r.Remediation = AggregateRemediation(r.Stages()...)
	r.GeneratedAt = p.now()
	observeResult(r)

	ev := logger.Info()
	if r.Overall.Status != models.OverallHealthy {
		ev = logger.Warn()
	}
	ev.Str("status", r.Overall.Status).Str("reason", r.Overall.Reason).Msg("probe finished")

	// Delivery gets its own short deadline so an exhausted budget does not
	// drop the result.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if p.store != nil {
		if err := p.store.Save(dctx, r); err != nil {
			logger.Warn().Err(err).Msg("caching probe result")
		}
	}
	if p.pub != nil {
		if err := p.pub.PublishJSON(dctx, messaging.SubjectProbeResult, r); err != nil {
			logger.Warn().Err(err).Msg("publishing probe result")
		}
	}
	return r
}

// Latest returns the cached result for address.
func (p *Prober) Latest(ctx context.Context, address string) (*models.HostCheckResult, error) {
	if p.store == nil {
		return nil, ErrNoResult
	}
	return p.store.Latest(ctx, address)
}

func (p *Prober) checkReachability(ctx context.Context, address string) models.CheckOutcome {
	out := models.CheckOutcome{Stage: models.StageReachability}
	var notes []string

	if !p.cfg.DisableICMP && p.pinger != nil {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.PingTimeout)
		rtt, err := p.pinger.Ping(pctx, address)
		cancel()
		if err == nil {
			out.Status, out.Code, out.Method = models.StatusOnline, models.CodeOK, "icmp"
			out.Detail = "echo reply in " + rtt.Round(time.Microsecond).String()
			return out
		}
		if !errors.Is(err, ErrPingUnavailable) && !errors.Is(err, ErrNoReply) {
			p.log.Debug().Err(err).Str("address", address).Msg("icmp echo failed")
		}
		notes = append(notes, "icmp: "+err.Error())
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	port, ok, attempts := tcpFallback(tctx, p.dialer, address, p.cfg.FallbackPorts)
	cancel()
	if ok {
		out.Status, out.Code = models.StatusOnline, models.CodeOK
		out.Method = "tcp:" + strconv.Itoa(port)
		out.Detail = fmt.Sprintf("port %d accepted a connection", port)
		return out
	}

	out.Method = "tcp"
	if len(notes) > 0 {
		out.Method = "icmp+tcp"
	}
	failed := 0
	for _, a := range attempts {
		if classifyDial(a.err) == tcpFailed {
			failed++
		}
		notes = append(notes, fmt.Sprintf("tcp:%d: %v", a.port, a.err))
	}
	// Only errors that say nothing about the host (bad address, no route
	// from here) make this an error rather than offline.
	if failed > 0 && failed == len(attempts) {
		out.Status, out.Code = models.StatusError, models.CodeOffline
	} else {
		out.Status, out.Code = models.StatusOffline, models.CodeOffline
	}
	out.Detail = strings.Join(notes, "; ")
	out.Remediation = remediationFor(models.StageReachability, out.Status)
	return out
}

func timed(stage func() models.CheckOutcome) models.CheckOutcome {
	start := time.Now()
	out := stage()
	out.Duration = time.Since(start)
	return out
}

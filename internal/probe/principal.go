package probe

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/org/lockr/pkg/models"
)

// ErrInvalidPrincipal is returned by CheckPrincipal for a name that cannot
// be a login.
var ErrInvalidPrincipal = errors.New("invalid principal name")

// exitStatuser matches *ssh.ExitError.
type exitStatuser interface {
	ExitStatus() int
}

// CheckPrincipal asks host whether principal is a known login by running
// `id` over an authenticated session. Nothing on the host is changed.
func (p *Prober) CheckPrincipal(ctx context.Context, host models.HostRecord, principal string) (*models.PrincipalCheck, error) {
	if principal == "" || strings.ContainsAny(principal, "\x00\n\r") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPrincipal, principal)
	}
	ctx, cancel := context.WithTimeout(ctx, p.cfg.SSHTimeout+p.cfg.CommandTimeout)
	defer cancel()

	port := host.Port
	if port == 0 {
		port = p.cfg.Port
	}
	c := &models.PrincipalCheck{Address: host.Address, Principal: principal, Status: models.PrincipalUnknown}
	logger := p.log.With().Str("address", host.Address).Str("principal", principal).Logger()

	var sess Session
	c.Authentication = timed(func() models.CheckOutcome {
		sctx, scancel := context.WithTimeout(ctx, p.cfg.SSHTimeout)
		defer scancel()
		s, err := p.auth.Connect(sctx, host.Address, port)
		sess = s
		return authOutcome(p.user, err)
	})
	if sess == nil || c.Authentication.Status != models.StatusAuthenticated {
		c.Detail = "could not ask the host: " + c.Authentication.Detail
		c.CheckedAt = p.now()
		logger.Warn().Str("auth", c.Authentication.Status).Msg("principal check skipped")
		return c, nil
	}
	defer sess.Close()

	out, err := sessionRunner(ctx, sess, p.cfg)("id -- " + shellQuote(principal))
	var es exitStatuser
	switch {
	case err == nil:
		c.Status = models.PrincipalExists
		c.Identity = strings.TrimSpace(out)
	case errors.As(err, &es):
		c.Status = models.PrincipalMissing
		c.Detail = fmt.Sprintf("id exited with status %d", es.ExitStatus())
	default:
		c.Detail = "running id: " + err.Error()
	}
	c.CheckedAt = p.now()
	logger.Info().Str("status", c.Status).Msg("principal checked")
	return c, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

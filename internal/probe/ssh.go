package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/org/lockr/pkg/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrNoCredential is returned by Connect when there is no key or agent
// identity to offer. No connection is attempted.
var ErrNoCredential = errors.New("no ssh credential available")

// Handshake phases recorded on HandshakeError.
const (
	PhaseDial      = "dial"
	PhaseHostKey   = "hostkey"
	PhaseHandshake = "handshake"
	PhaseAuth      = "auth"
)

// HandshakeError records how far an SSH connection got before failing.
// Only PhaseAuth means the server rejected our credential.
type HandshakeError struct {
	Phase string
	Err   error
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("ssh %s: %v", e.Phase, e.Err)
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// Session runs read-only commands on an authenticated connection.
type Session interface {
	Run(ctx context.Context, cmd string) (string, error)
	Close() error
}

// Authenticator opens authenticated sessions.
type Authenticator interface {
	Connect(ctx context.Context, address string, port int) (Session, error)
}

// SSHAuthenticator authenticates with public keys from a key file and/or
// a running ssh-agent.
type SSHAuthenticator struct {
	User            string
	KeyPaths        []string
	AgentSocket     string
	KnownHostsPath  string
	InsecureHostKey bool
	Dialer          Dialer
}

// NewSSHAuthenticator builds an authenticator from prober config. Without
// an explicit key path the usual ~/.ssh identities are tried.
func NewSSHAuthenticator(cfg Config) *SSHAuthenticator {
	a := &SSHAuthenticator{
		User:            cfg.User,
		KnownHostsPath:  cfg.KnownHostsPath,
		InsecureHostKey: cfg.InsecureHostKey,
		Dialer:          &net.Dialer{},
	}
	if a.User == "" {
		if u, err := user.Current(); err == nil {
			a.User = u.Username
		}
	}
	home, _ := os.UserHomeDir()
	if cfg.KeyPath != "" {
		a.KeyPaths = []string{cfg.KeyPath}
	} else if home != "" {
		for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
			a.KeyPaths = append(a.KeyPaths, filepath.Join(home, ".ssh", name))
		}
	}
	if a.KnownHostsPath == "" && home != "" {
		a.KnownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	if cfg.UseAgent {
		a.AgentSocket = os.Getenv("SSH_AUTH_SOCK")
	}
	return a
}

// Connect implements Authenticator.
func (a *SSHAuthenticator) Connect(ctx context.Context, address string, port int) (Session, error) {
	methods, release, err := a.authMethods()
	if err != nil {
		return nil, err
	}
	defer release()

	verify, err := a.hostKeyCallback()
	if err != nil {
		return nil, &HandshakeError{Phase: PhaseHostKey, Err: err}
	}
	var accepted, rejected atomic.Bool
	cfg := &ssh.ClientConfig{
		User: a.User,
		Auth: methods,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			if err := verify(hostname, remote, key); err != nil {
				rejected.Store(true)
				return err
			}
			accepted.Store(true)
			return nil
		},
	}

	addr := net.JoinHostPort(address, strconv.Itoa(port))
	conn, err := a.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &HandshakeError{Phase: PhaseDial, Err: err}
	}
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) }) //nolint:errcheck

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	stop()
	if err != nil {
		conn.Close()
		phase := PhaseHandshake
		switch {
		case rejected.Load():
			phase = PhaseHostKey
		case accepted.Load() && !isTransportFailure(ctx, err):
			phase = PhaseAuth
		}
		return nil, &HandshakeError{Phase: phase, Err: err}
	}
	conn.SetDeadline(time.Time{}) //nolint:errcheck
	return &sshSession{client: ssh.NewClient(c, chans, reqs)}, nil
}

// authMethods collects key file signers and the agent. release closes the
// agent connection once the handshake is over.
func (a *SSHAuthenticator) authMethods() ([]ssh.AuthMethod, func(), error) {
	var (
		signers []ssh.Signer
		methods []ssh.AuthMethod
		reasons []string
	)
	release := func() {}

	for _, path := range a.KeyPaths {
		pem, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				reasons = append(reasons, fmt.Sprintf("%s: %v", path, err))
			}
			continue
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if errors.As(err, &missing) {
				reasons = append(reasons, path+" is passphrase protected; load it into ssh-agent")
			} else {
				reasons = append(reasons, fmt.Sprintf("%s: %v", path, err))
			}
			continue
		}
		signers = append(signers, signer)
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if a.AgentSocket != "" {
		if conn, err := net.Dial("unix", a.AgentSocket); err == nil {
			ag := agent.NewClient(conn)
			if ids, err := ag.List(); err == nil && len(ids) > 0 {
				methods = append(methods, ssh.PublicKeysCallback(ag.Signers))
				release = func() { conn.Close() }
			} else {
				conn.Close()
				reasons = append(reasons, "ssh-agent holds no identities")
			}
		} else {
			reasons = append(reasons, fmt.Sprintf("ssh-agent: %v", err))
		}
	}

	if len(methods) == 0 {
		if len(reasons) == 0 {
			return nil, release, ErrNoCredential
		}
		return nil, release, fmt.Errorf("%w: %s", ErrNoCredential, reasons[0])
	}
	return methods, release, nil
}

func (a *SSHAuthenticator) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if a.InsecureHostKey {
		return ssh.InsecureIgnoreHostKey(), nil //nolint:gosec
	}
	if a.KnownHostsPath == "" {
		return nil, errors.New("no known_hosts file configured")
	}
	cb, err := knownhosts.New(a.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts: %w", err)
	}
	return cb, nil
}

// isTransportFailure reports whether a handshake error came from the
// connection rather than from the server refusing our keys.
func isTransportFailure(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

type sshSession struct {
	client *ssh.Client
}

func (s *sshSession) Run(ctx context.Context, cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	type result struct {
		out []byte
		err error
	}
	ch := make(chan result, 1)
	go func() {
		out, err := sess.Output(cmd)
		ch <- result{out, err}
	}()
	select {
	case r := <-ch:
		return string(r.out), r.err
	case <-ctx.Done():
		sess.Close()
		return "", ctx.Err()
	}
}

func (s *sshSession) Close() error {
	return s.client.Close()
}

// authOutcome maps a Connect error to the authentication stage.
func authOutcome(login string, err error) models.CheckOutcome {
	out := models.CheckOutcome{Stage: models.StageAuthentication, Method: "publickey"}
	var he *HandshakeError
	switch {
	case err == nil:
		out.Status, out.Code = models.StatusAuthenticated, models.CodeOK
		out.Detail = "authenticated as " + login
	case errors.Is(err, ErrNoCredential):
		out.Status, out.Code = models.StatusNoCredential, models.CodeNoCredential
		out.Detail = err.Error()
	case errors.As(err, &he) && he.Phase == PhaseAuth:
		out.Status, out.Code = models.StatusAuthFailed, models.CodeAuthFailed
		out.Detail = fmt.Sprintf("credential for %s was rejected: %v", login, he.Err)
	default:
		out.Status, out.Code = models.StatusTransportError, models.CodeTransportError
		out.Detail = err.Error()
	}
	out.Remediation = remediationFor(models.StageAuthentication, out.Status)
	if he != nil && he.Phase == PhaseHostKey {
		out.Remediation = append([]string{
			"Verify the host key and add it with `ssh-keyscan <host> >> ~/.ssh/known_hosts`, or set prober.known_hosts.",
		}, out.Remediation...)
	}
	return out
}

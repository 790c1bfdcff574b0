package probe

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/org/lockr/pkg/models"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func newSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer, priv
}

func writeKey(t *testing.T, priv ed25519.PrivateKey) string {
	t.Helper()
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

// startSSHServer accepts only the given client key. It returns the port.
func startSSHServer(t *testing.T, hostKey ssh.Signer, allowed ssh.PublicKey) int {
	t.Helper()
	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if allowed != nil && bytes.Equal(key.Marshal(), allowed.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, errors.New("key not authorized")
		},
	}
	cfg.AddHostKey(hostKey)

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
			go func() {
				defer c.Close()
				sc, chans, reqs, err := ssh.NewServerConn(c, cfg)
				if err != nil {
					return
				}
				defer sc.Close()
				go ssh.DiscardRequests(reqs)
				for ch := range chans {
					ch.Reject(ssh.Prohibited, "no channels")
				}
			}()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func testAuthenticator(keyPath string) *SSHAuthenticator {
	return &SSHAuthenticator{
		User:            "probe",
		KeyPaths:        []string{keyPath},
		InsecureHostKey: true,
		Dialer:          &net.Dialer{},
	}
}

func connectCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSSHAuthenticated(t *testing.T) {
	hostKey, _ := newSigner(t)
	client, priv := newSigner(t)
	port := startSSHServer(t, hostKey, client.PublicKey())

	sess, err := testAuthenticator(writeKey(t, priv)).Connect(connectCtx(t), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sess.Close()
	if out := authOutcome("probe", nil); out.Status != models.StatusAuthenticated {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSSHRejectedKeyIsAuthFailed(t *testing.T) {
	hostKey, _ := newSigner(t)
	other, _ := newSigner(t)
	_, priv := newSigner(t)
	port := startSSHServer(t, hostKey, other.PublicKey())

	_, err := testAuthenticator(writeKey(t, priv)).Connect(connectCtx(t), "127.0.0.1", port)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Phase != PhaseAuth {
		t.Fatalf("err = %v, want auth phase", err)
	}
	out := authOutcome("probe", err)
	if out.Status != models.StatusAuthFailed || out.Code != models.CodeAuthFailed {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSSHNotSpeakingSSHIsTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Write([]byte("HTTP/1.1 400 Bad Request\r\n\r\n")) //nolint:errcheck
			c.Close()
		}
	}()
	_, priv := newSigner(t)

	_, err = testAuthenticator(writeKey(t, priv)).Connect(connectCtx(t), "127.0.0.1", ln.Addr().(*net.TCPAddr).Port)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Phase != PhaseHandshake {
		t.Fatalf("err = %v, want handshake phase", err)
	}
	if out := authOutcome("probe", err); out.Status != models.StatusTransportError {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSSHUnknownHostKeyIsTransportError(t *testing.T) {
	hostKey, _ := newSigner(t)
	client, priv := newSigner(t)
	port := startSSHServer(t, hostKey, client.PublicKey())

	// known_hosts lists a different key for the address.
	impostor, _ := newSigner(t)
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	line := knownhosts.Line([]string{knownhosts.Normalize(addr)}, impostor.PublicKey())
	kh := filepath.Join(t.TempDir(), "known_hosts")
	if err := os.WriteFile(kh, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}

	a := testAuthenticator(writeKey(t, priv))
	a.InsecureHostKey = false
	a.KnownHostsPath = kh
	_, err := a.Connect(connectCtx(t), "127.0.0.1", port)
	var he *HandshakeError
	if !errors.As(err, &he) || he.Phase != PhaseHostKey {
		t.Fatalf("err = %v, want hostkey phase", err)
	}
	out := authOutcome("probe", err)
	if out.Status != models.StatusTransportError || len(out.Remediation) < 2 {
		t.Errorf("outcome = %+v", out)
	}

	// With the right key recorded the same server authenticates.
	line = knownhosts.Line([]string{knownhosts.Normalize(addr)}, hostKey.PublicKey())
	if err := os.WriteFile(kh, []byte(line+"\n"), 0600); err != nil {
		t.Fatal(err)
	}
	sess, err := a.Connect(connectCtx(t), "127.0.0.1", port)
	if err != nil {
		t.Fatalf("Connect with trusted host key: %v", err)
	}
	sess.Close()
}

type countingDialer struct {
	calls int
}

func (d *countingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.calls++
	return nil, errors.New("should not dial")
}

func TestSSHNoCredentialDoesNotDial(t *testing.T) {
	d := &countingDialer{}
	a := &SSHAuthenticator{
		User:            "probe",
		KeyPaths:        []string{filepath.Join(t.TempDir(), "missing")},
		InsecureHostKey: true,
		Dialer:          d,
	}
	_, err := a.Connect(context.Background(), "127.0.0.1", 22)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
	if d.calls != 0 {
		t.Errorf("dialed %d times", d.calls)
	}
	if out := authOutcome("probe", err); out.Status != models.StatusNoCredential {
		t.Errorf("outcome = %+v", out)
	}
}

func TestSSHUnparsableKeyIsNoCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_rsa")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := testAuthenticator(path).Connect(context.Background(), "127.0.0.1", 22)
	if !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
}

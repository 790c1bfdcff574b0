package probe

import (
	"context"
	"errors"
	"net"
	"strconv"
	"syscall"

	"github.com/org/lockr/pkg/models"
)

// Dialer opens TCP connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// tcpResult is the outcome of a single connect attempt.
type tcpResult int

const (
	tcpOpen tcpResult = iota
	tcpRefused
	tcpTimeout
	tcpFailed
)

func classifyDial(err error) tcpResult {
	if err == nil {
		return tcpOpen
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return tcpRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return tcpTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return tcpTimeout
	}
	return tcpFailed
}

// connect dials address:port and closes the connection straight away.
func connect(ctx context.Context, d Dialer, address string, port int) error {
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	return conn.Close()
}

// portOutcome maps a connect error on the service port to the port stage.
// Refused and timed-out connects both mean nothing is answering on the port.
func portOutcome(port int, err error) models.CheckOutcome {
	out := models.CheckOutcome{Stage: models.StagePort, Method: "tcp:" + strconv.Itoa(port)}
	switch classifyDial(err) {
	case tcpOpen:
		out.Status, out.Code = models.StatusOpen, models.CodeOK
		out.Detail = "port " + strconv.Itoa(port) + " is accepting connections"
	case tcpRefused:
		out.Status, out.Code = models.StatusClosed, models.CodePortClosed
		out.Detail = "connection refused on port " + strconv.Itoa(port)
	case tcpTimeout:
		out.Status, out.Code = models.StatusClosed, models.CodePortClosed
		out.Detail = "connection to port " + strconv.Itoa(port) + " timed out"
	default:
		out.Status, out.Code = models.StatusError, models.CodePortClosed
		out.Detail = err.Error()
	}
	out.Remediation = remediationFor(models.StagePort, out.Status)
	return out
}

type fallbackAttempt struct {
	port int
	err  error
}

// tcpFallback connects to every port concurrently and reports the first
// port that accepted. ok is false when none did. errs holds one entry per
// port that did not connect.
func tcpFallback(ctx context.Context, d Dialer, address string, ports []int) (port int, ok bool, errs []fallbackAttempt) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan fallbackAttempt, len(ports))
	for _, p := range ports {
		go func(p int) {
			ch <- fallbackAttempt{port: p, err: connect(ctx, d, address, p)}
		}(p)
	}
	for range ports {
		a := <-ch
		if a.err == nil {
			return a.port, true, nil
		}
		errs = append(errs, a)
	}
	return 0, false, errs
}

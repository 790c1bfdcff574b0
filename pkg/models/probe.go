package models

import "time"

// HostRecord is a host from the external registry. Port 0 means the prober default.
type HostRecord struct {
	Name    string `json:"name" yaml:"name"`
	Address string `json:"address" yaml:"address"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
}

// Stage names.
const (
	StageReachability   = "reachability"
	StagePort           = "port"
	StageAuthentication = "authentication"
	StageResources      = "resources"
)

// Stage statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusError   = "error"

	StatusOpen   = "open"
	StatusClosed = "closed"

	StatusAuthenticated  = "authenticated"
	StatusAuthFailed     = "auth_failed"
	StatusNoCredential   = "no_credential"
	StatusTransportError = "transport_error"

	StatusHealthy = "healthy"
	StatusIssues  = "issues"
	StatusUnknown = "unknown"

	StatusSkipped = "skipped"
)

// Stable outcome codes.
const (
	CodeOK             = "OK"
	CodeOffline        = "OFFLINE"
	CodePortClosed     = "PORT_CLOSED"
	CodeAuthFailed     = "AUTH_FAILED"
	CodeNoCredential   = "NO_CREDENTIAL"
	CodeTransportError = "TRANSPORT_ERROR"
	CodeResourceIssue  = "RESOURCE_ISSUE"
	CodeUnknown        = "UNKNOWN"
	CodeSkipped        = "SKIPPED"
)

// Overall severities.
const (
	OverallHealthy   = "healthy"
	OverallDegraded  = "degraded"
	OverallUnhealthy = "unhealthy"
)

// Overall reasons, in decreasing precedence.
const (
	ReasonOffline        = "offline"
	ReasonPortClosed     = "port_closed"
	ReasonAuthFailed     = "auth_failed"
	ReasonNoCredential   = "no_credential"
	ReasonTransportError = "transport_error"
	ReasonResourceIssues = "resource_issues"
	ReasonNone           = "none"
)

// CheckOutcome is the result of one stage.
type CheckOutcome struct {
	Stage       string        `json:"stage"`
	Status      string        `json:"status"`
	Code        string        `json:"code"`
	Detail      string        `json:"detail,omitempty"`
	Method      string        `json:"method,omitempty"`
	Remediation []string      `json:"remediation,omitempty"`
	Duration    time.Duration `json:"duration_ns"`
}

// Failed reports whether the outcome contributes remediation to the aggregate.
func (o CheckOutcome) Failed() bool {
	switch o.Status {
	case StatusOffline, StatusError, StatusClosed,
		StatusAuthFailed, StatusNoCredential, StatusTransportError, StatusIssues:
		return true
	}
	return false
}

// ResourceReading is one resource measurement from the resources stage.
type ResourceReading struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Unit      string  `json:"unit,omitempty"`
	Checked   bool    `json:"checked"`
	Exceeded  bool    `json:"exceeded"`
	Detail    string  `json:"detail,omitempty"`
}

// OverallStatus is the derived classification of a probe.
type OverallStatus struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

// HostCheckResult is the immutable result of one probe invocation.
type HostCheckResult struct {
	Host           HostRecord        `json:"host"`
	Address        string            `json:"address"`
	Reachability   CheckOutcome      `json:"reachability"`
	Port           CheckOutcome      `json:"port"`
	Authentication CheckOutcome      `json:"authentication"`
	Resources      CheckOutcome      `json:"resources"`
	Readings       []ResourceReading `json:"readings,omitempty"`
	Overall        OverallStatus     `json:"overall"`
	Remediation    []string          `json:"remediation"`
	GeneratedAt    time.Time         `json:"generated_at"`
}

// Stages returns the stage outcomes in pipeline order.
func (r *HostCheckResult) Stages() []CheckOutcome {
	return []CheckOutcome{r.Reachability, r.Port, r.Authentication, r.Resources}
}

// Principal check statuses.
const (
	PrincipalExists  = "exists"
	PrincipalMissing = "missing"
	PrincipalUnknown = "unknown"
)

// PrincipalCheck reports whether a login exists on a host. Status is
// PrincipalUnknown when the host could not be asked; Authentication then
// says why.
type PrincipalCheck struct {
	Address        string       `json:"address"`
	Principal      string       `json:"principal"`
	Status         string       `json:"status"`
	Identity       string       `json:"identity,omitempty"`
	Detail         string       `json:"detail,omitempty"`
	Authentication CheckOutcome `json:"authentication"`
	CheckedAt      time.Time    `json:"checked_at"`
}

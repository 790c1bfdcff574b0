package probe

import "github.com/org/lockr/pkg/models"

// Classify derives the overall status from the four stage outcomes. The
// first failing stage in pipeline order decides the reason; connectivity
// problems are unhealthy, authentication and resource problems degraded.
// A resources stage that could not check anything does not lower the status.
func Classify(reach, port, auth, res models.CheckOutcome) models.OverallStatus {
	switch {
	case reach.Status != models.StatusOnline:
		return models.OverallStatus{Status: models.OverallUnhealthy, Reason: models.ReasonOffline}
	case port.Status != models.StatusOpen:
		return models.OverallStatus{Status: models.OverallUnhealthy, Reason: models.ReasonPortClosed}
	case auth.Status == models.StatusNoCredential:
		return models.OverallStatus{Status: models.OverallDegraded, Reason: models.ReasonNoCredential}
	case auth.Status == models.StatusTransportError:
		return models.OverallStatus{Status: models.OverallDegraded, Reason: models.ReasonTransportError}
	case auth.Status != models.StatusAuthenticated:
		return models.OverallStatus{Status: models.OverallDegraded, Reason: models.ReasonAuthFailed}
	case res.Status == models.StatusIssues:
		return models.OverallStatus{Status: models.OverallDegraded, Reason: models.ReasonResourceIssues}
	}
	return models.OverallStatus{Status: models.OverallHealthy, Reason: models.ReasonNone}
}

// AggregateRemediation concatenates the remediation of failed stages in
// the order given. The result is never nil.
func AggregateRemediation(stages ...models.CheckOutcome) []string {
	out := []string{}
	for _, s := range stages {
		if s.Failed() {
			out = append(out, s.Remediation...)
		}
	}
	return out
}

func skipped(stage, because string) models.CheckOutcome {
	return models.CheckOutcome{
		Stage:  stage,
		Status: models.StatusSkipped,
		Code:   models.CodeSkipped,
		Detail: "skipped: " + because,
	}
}

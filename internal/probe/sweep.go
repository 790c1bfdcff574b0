package probe

import (
	"context"
	"fmt"
	"sync"

	"github.com/org/lockr/pkg/models"
	"github.com/panjf2000/ants/v2"
)

// Sweep probes every host with at most Config.Workers probes in flight.
// Results are returned in the order of hosts.
func (p *Prober) Sweep(ctx context.Context, hosts []models.HostRecord) ([]*models.HostCheckResult, error) {
	results := make([]*models.HostCheckResult, len(hosts))
	if len(hosts) == 0 {
		return results, nil
	}

	size := min(p.cfg.Workers, len(hosts))
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		p.log.Error().Interface("panic", v).Msg("probe worker panicked")
	}))
	if err != nil {
		return nil, fmt.Errorf("creating probe pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i, h := range hosts {
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i] = p.Probe(ctx, h)
		})
		if err != nil {
			wg.Done()
			results[i] = p.Probe(ctx, h)
		}
	}
	wg.Wait()

	for i, r := range results {
		if r == nil {
			results[i] = p.crashed(hosts[i])
		}
	}
	p.log.Info().Int("hosts", len(hosts)).Int("workers", size).Msg("sweep finished")
	return results, nil
}

// crashed builds the result for a probe whose worker panicked.
func (p *Prober) crashed(h models.HostRecord) *models.HostCheckResult {
	r := &models.HostCheckResult{Host: h, Address: h.Address}
	r.Reachability = models.CheckOutcome{
		Stage:       models.StageReachability,
		Status:      models.StatusError,
		Code:        models.CodeOffline,
		Detail:      "probe aborted unexpectedly",
		Remediation: remediationFor(models.StageReachability, models.StatusError),
	}
	r.Port = skipped(models.StagePort, "probe aborted")
	r.Authentication = skipped(models.StageAuthentication, "probe aborted")
	r.Resources = skipped(models.StageResources, "probe aborted")
	r.Overall = Classify(r.Reachability, r.Port, r.Authentication, r.Resources)
	r.Remediation = AggregateRemediation(r.Stages()...)
	r.GeneratedAt = p.now()
	return r
}

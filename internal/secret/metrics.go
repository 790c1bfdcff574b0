package secret

import "github.com/prometheus/client_golang/prometheus"

var vaultOps = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "lockr_vault_operations_total",
	Help: "Vault operations by operation and stable result code.",
}, []string{"op", "code"})

func init() {
	prometheus.MustRegister(vaultOps)
}

func observe(op string, err error) {
	code := "OK"
	if err != nil {
		code = Code(err)
	}
	vaultOps.WithLabelValues(op, code).Inc()
}

package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the store's prometheus collectors, following the
// teacher's per-subsystem pattern (protocol/nova/metrics.go): one
// struct of named collectors, one constructor that registers each and
// bails on the first error.
type Metrics struct {
	stored     prometheus.Counter
	duplicates prometheus.Counter
	pruned     prometheus.Counter
}

func newMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}
	m := &Metrics{
		stored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_store_rows_stored_total",
			Help: "Number of rows newly persisted by the message store.",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_store_duplicates_total",
			Help: "Number of inserts recognized as duplicates of an existing row.",
		}),
		pruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispersy_store_last_sync_pruned_total",
			Help: "Number of rows pruned to enforce a last-sync history bound or by a hard-kill prune.",
		}),
	}
	for _, c := range []prometheus.Collector{m.stored, m.duplicates, m.pruned} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

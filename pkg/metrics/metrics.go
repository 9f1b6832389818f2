// Package metrics provides Prometheus counters for lock, claim and session
// operations.
//
// agentlock runs as short-lived processes, so counters are made cumulative
// by seeding them from the previous textfile before a command runs and
// writing the file back afterwards (node_exporter textfile collector format).
package metrics

import (
	"fmt"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const namespace = "agentlock"

// Registry holds all agentlock metrics. A nil *Registry is valid and
// records nothing.
type Registry struct {
	reg  *prometheus.Registry
	vecs map[string]*prometheus.CounterVec

	lockOps    *prometheus.CounterVec
	claimOps   *prometheus.CounterVec
	sessionOps *prometheus.CounterVec
	reclaimed  *prometheus.CounterVec
	backendErr *prometheus.CounterVec
}

// NewRegistry creates a new metrics registry.
func NewRegistry() *Registry {
	r := &Registry{
		reg:  prometheus.NewRegistry(),
		vecs: make(map[string]*prometheus.CounterVec),
	}
	r.lockOps = r.counterVec("lock_operations_total", "Lock operations by operation and result.", "op", "result")
	r.claimOps = r.counterVec("claim_operations_total", "Claim requests by result.", "result")
	r.sessionOps = r.counterVec("session_operations_total", "Session lifecycle operations.", "op")
	r.reclaimed = r.counterVec("reclaimed_total", "Records removed by abandoned-session reclamation.", "kind")
	r.backendErr = r.counterVec("backend_errors_total", "Operations that failed because the backend was unavailable.", "op")
	return r
}

func (r *Registry) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
	r.reg.MustRegister(vec)
	r.vecs[namespace+"_"+name] = vec
	return vec
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// RecordLock records a lock operation (acquire, release, renew, force_release)
// and its result (ok, held, not_owned, error).
func (r *Registry) RecordLock(op, result string) {
	if r == nil {
		return
	}
	r.lockOps.WithLabelValues(op, result).Inc()
}

// RecordClaim records a claim outcome (claimed, overridden, conflict, released).
func (r *Registry) RecordClaim(result string) {
	if r == nil {
		return
	}
	r.claimOps.WithLabelValues(result).Inc()
}

// RecordSession records a session lifecycle operation.
func (r *Registry) RecordSession(op string) {
	if r == nil {
		return
	}
	r.sessionOps.WithLabelValues(op).Inc()
}

// RecordReclaim records one reclaimed session with the locks and claims it held.
func (r *Registry) RecordReclaim(locks, claims int) {
	if r == nil {
		return
	}
	r.reclaimed.WithLabelValues("session").Inc()
	r.reclaimed.WithLabelValues("lock").Add(float64(locks))
	r.reclaimed.WithLabelValues("claim").Add(float64(claims))
}

// RecordBackendError records an operation that failed closed.
func (r *Registry) RecordBackendError(op string) {
	if r == nil {
		return
	}
	r.backendErr.WithLabelValues(op).Inc()
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// LoadTextfile adds the counter values of a previously written textfile to
// the registry. A missing file is not an error.
func (r *Registry) LoadTextfile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open metrics textfile: %w", err)
	}
	defer f.Close()

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(f)
	if err != nil {
		return fmt.Errorf("parse metrics textfile: %w", err)
	}

	for name, family := range families {
		vec, ok := r.vecs[name]
		if !ok {
			continue
		}
		for _, m := range family.GetMetric() {
			if m.GetCounter() == nil {
				continue
			}
			labels := prometheus.Labels{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			c, err := vec.GetMetricWith(labels)
			if err != nil {
				continue
			}
			c.Add(m.GetCounter().GetValue())
		}
	}
	return nil
}

// WriteTextfile atomically writes the registry in text exposition format.
func (r *Registry) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

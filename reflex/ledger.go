package reflex

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clawnet/reef/metric"
)

// Result is the outcome recorded for one (rule, event) evaluation
type Result string

const (
	// ResultExecuted means a layer-0 behavior ran to completion
	ResultExecuted Result = "Executed"
	// ResultRecommended means the behavior declined to act autonomously
	// and surfaced a recommendation instead
	ResultRecommended Result = "Recommended"
	// ResultBlocked means the behavior's policy or an execution failure
	// prevented the action
	ResultBlocked Result = "Blocked"
	// ResultQueuedForL1 means a layer-1 match entered the escalation queue
	ResultQueuedForL1 Result = "QueuedForL1"
	// ResultDispatchedToL1 means a queued item was handed to the
	// acknowledgment surface
	ResultDispatchedToL1 Result = "DispatchedToL1"
	// ResultL1Acknowledged means the escalated item was acknowledged
	ResultL1Acknowledged Result = "L1Acknowledged"
)

// Execution is one immutable ledger row. Exactly one row is written per
// (rule, matching event) pair at evaluation time; escalation transitions
// append further rows referencing the same rule.
type Execution struct {
	ID        string    `json:"id"`
	ReflexID  string    `json:"reflexId"`
	Owner     string    `json:"ownerId"`
	EventType string    `json:"eventType"`
	Result    Result    `json:"result"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Ledger is the append-only execution record. Rows are kept in append
// order so replaying the ledger reconstructs the audit trail.
type Ledger struct {
	mu   sync.RWMutex
	rows []Execution

	rowsTotal *prometheus.CounterVec
}

// NewLedger creates an empty ledger. The metrics registry is optional.
func NewLedger(registry *metric.MetricsRegistry) *Ledger {
	l := &Ledger{}
	if registry != nil {
		l.rowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reef",
			Subsystem: "reflex",
			Name:      "ledger_rows_total",
			Help:      "Total execution ledger rows by result",
		}, []string{"result"})
		registry.PrometheusRegistry().MustRegister(l.rowsTotal)
	}
	return l
}

// Record appends one execution row and returns it
func (l *Ledger) Record(reflexID, owner, eventType string, result Result, details string) Execution {
	row := Execution{
		ID:        uuid.NewString(),
		ReflexID:  reflexID,
		Owner:     owner,
		EventType: eventType,
		Result:    result,
		Details:   details,
		CreatedAt: time.Now().UTC(),
	}

	l.mu.Lock()
	l.rows = append(l.rows, row)
	l.mu.Unlock()

	if l.rowsTotal != nil {
		l.rowsTotal.WithLabelValues(string(result)).Inc()
	}
	return row
}

// ByOwner returns all rows for an owner, in append order
func (l *Ledger) ByOwner(owner string) []Execution {
	return l.filter(func(row Execution) bool { return row.Owner == owner })
}

// ByResult returns all rows with the given result, in append order
func (l *Ledger) ByResult(result Result) []Execution {
	return l.filter(func(row Execution) bool { return row.Result == result })
}

// Window returns all rows created in [from, to), in append order
func (l *Ledger) Window(from, to time.Time) []Execution {
	return l.filter(func(row Execution) bool {
		return !row.CreatedAt.Before(from) && row.CreatedAt.Before(to)
	})
}

// Len returns the total number of rows
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.rows)
}

func (l *Ledger) filter(keep func(Execution) bool) []Execution {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Execution
	for _, row := range l.rows {
		if keep(row) {
			out = append(out, row)
		}
	}
	return out
}

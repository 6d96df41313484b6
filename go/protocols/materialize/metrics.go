package materialize

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var roundsStartedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flow_materialize_transaction_rounds_started_total",
	Help: "counter of transaction rounds started by the materialization transaction runner",
}, []string{"materialization"})

var roundsCommittedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flow_materialize_transaction_rounds_committed_total",
	Help: "counter of transaction rounds successfully committed by the materialization transaction runner",
}, []string{"materialization"})

var roundsFailedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flow_materialize_transaction_rounds_failed_total",
	Help: "counter of transaction rounds that failed during Load, Prepare, Store, or Commit",
}, []string{"materialization", "phase"})

var documentsLoadedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "flow_materialize_documents_loaded_total",
	Help: "counter of documents returned by Transactor.Load across all bindings",
}, []string{"materialization"})

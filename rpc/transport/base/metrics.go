package base

import (
	"github.com/VictoriaMetrics/metrics"
	"sync/atomic"
)

// Process wide transport metrics, exposed by metrics.WritePrometheus
var (
	clientInvocations  = metrics.NewCounter(`sockrpc_client_invocations_total`)
	clientRetries      = metrics.NewCounter(`sockrpc_client_retries_total`)
	clientFailures     = metrics.NewCounter(`sockrpc_client_failures_total`)
	clientDuration     = metrics.NewHistogram(`sockrpc_client_invocation_duration_seconds`)
	poolTimeouts       = metrics.NewCounter(`sockrpc_pool_timeouts_total`)
	poolSocketsCreated = metrics.NewCounter(`sockrpc_pool_sockets_created_total`)
	poolCheckFailures  = metrics.NewCounter(`sockrpc_pool_check_failures_total`)
	poolFlushes        = metrics.NewCounter(`sockrpc_pool_flushes_total`)

	serverAccepted        = metrics.NewCounter(`sockrpc_server_accepted_total`)
	serverInvocations     = metrics.NewCounter(`sockrpc_server_invocations_total`)
	serverHandlerDuration = metrics.NewHistogram(`sockrpc_server_handler_duration_seconds`)
	serverWorkersCreated  = metrics.NewCounter(`sockrpc_server_workers_created_total`)
	serverWorkersReused   = metrics.NewCounter(`sockrpc_server_workers_reused_total`)
	serverEvictions       = metrics.NewCounter(`sockrpc_server_evictions_total`)
	serverReaped          = metrics.NewCounter(`sockrpc_server_workers_reaped_total`)

	// liveWorkers counts worker goroutines of all server transports in the process
	liveWorkers atomic.Int64
	_           = metrics.NewGauge(`sockrpc_server_workers`, func() float64 {
		return float64(liveWorkers.Load())
	})
)

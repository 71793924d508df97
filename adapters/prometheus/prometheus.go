// Package prometheus exports the projection daemon metrics to Prometheus.
// All collectors are named jasperfx_daemon_* and labelled by shard identity
// where they concern one shard.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JasperFx/jasperfx-sub002/core/metrics"
)

// rangeBuckets span 1ms to about 16s, in seconds.
var rangeBuckets = prometheus.ExponentialBuckets(0.001, 2, 15)

func startTimer(obs prometheus.Observer) metrics.Timer {
	return metrics.NewTimer(func(d time.Duration) { obs.Observe(d.Seconds()) })
}

package signpost

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus observes every interval into a histogram labelled by interval
// name.
type Prometheus struct {
	seconds *prometheus.HistogramVec
}

// NewPrometheus registers chunkllm_interval_seconds with reg.
func NewPrometheus(reg prometheus.Registerer) (*Prometheus, error) {
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chunkllm",
		Name:      "interval_seconds",
		Help:      "Duration of pipeline intervals such as stage loads, decode steps and cache waits.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 12),
	}, []string{"interval"})
	if err := reg.Register(h); err != nil {
		return nil, fmt.Errorf("register interval histogram: %w", err)
	}
	return &Prometheus{seconds: h}, nil
}

type promInterval struct {
	obs   prometheus.Observer
	start time.Time
}

func (p *Prometheus) Begin(name string, _ ...any) Interval {
	return promInterval{obs: p.seconds.WithLabelValues(name), start: time.Now()}
}

func (i promInterval) End() {
	i.obs.Observe(time.Since(i.start).Seconds())
}

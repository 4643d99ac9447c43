/***
Copyright 2014 Cisco Systems Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at
http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package agent

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "ofagent"
	metricsSubsystem = "loop"
)

// Resync reasons
const (
	resyncRPC     = "rpc"
	resyncChannel = "channel"
	resyncRestart = "restart"
	resyncError   = "error"
)

// agentMetrics are registered on a registry owned by the agent so that
// several agents can live in one process
type agentMetrics struct {
	registry         *prometheus.Registry
	iterations       prometheus.Counter
	resyncs          *prometheus.CounterVec
	portChanges      *prometheus.CounterVec
	deviceResults    *prometheus.CounterVec
	iterationSeconds prometheus.Histogram
	bindings         prometheus.Gauge
	tunnelPorts      prometheus.Gauge
}

func newAgentMetrics(host string) *agentMetrics {
	constLabels := prometheus.Labels{"host": host}
	m := &agentMetrics{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "iterations_total",
			Help:        "Number of reconciliation loop iterations",
			ConstLabels: constLabels,
		}),
		resyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "resyncs_total",
			Help:        "Number of forced resyncs by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		portChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "port_changes_total",
			Help:        "Ports found added, updated or removed by the port scan",
			ConstLabels: constLabels,
		}, []string{"change"}),
		deviceResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "device_results_total",
			Help:        "Per device processing results",
			ConstLabels: constLabels,
		}, []string{"result"}),
		iterationSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "iteration_duration_seconds",
			Help:        "Time spent in one loop iteration, in seconds",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16},
			ConstLabels: constLabels,
		}),
		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "network_bindings",
			Help:        "Number of tenant networks active on this host",
			ConstLabels: constLabels,
		}),
		tunnelPorts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Subsystem:   metricsSubsystem,
			Name:        "tunnel_ports",
			Help:        "Number of tunnel ports on the integration bridge",
			ConstLabels: constLabels,
		}),
	}
	m.registry.MustRegister(m.iterations, m.resyncs, m.portChanges, m.deviceResults,
		m.iterationSeconds, m.bindings, m.tunnelPorts)
	return m
}

func (m *agentMetrics) observeIteration(stats *IterationStats, bindings, tunnelPorts int) {
	m.iterations.Inc()
	m.portChanges.WithLabelValues("added").Add(float64(stats.Added))
	m.portChanges.WithLabelValues("updated").Add(float64(stats.Updated))
	m.portChanges.WithLabelValues("removed").Add(float64(stats.Removed))
	m.iterationSeconds.Observe(stats.Elapsed.Seconds())
	m.bindings.Set(float64(bindings))
	m.tunnelPorts.Set(float64(tunnelPorts))
}

func (m *agentMetrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package metrics はカメラユニットとブローカーリンクのPrometheusメトリクスを提供する
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mjpgd"

// Metrics は収集対象のメトリクス一式
// nil レシーバのメソッド呼び出しは何もしない
type Metrics struct {
	registry *prometheus.Registry

	StreamerRestarts *prometheus.CounterVec
	StreamerCrashes  *prometheus.CounterVec
	Registrations    *prometheus.CounterVec
	BrokerPublishes  prometheus.Counter
	UnitsAlive       prometheus.Gauge
	BrokerConnected  prometheus.Gauge
}

// New は専用レジストリにメトリクスを登録して返す
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		StreamerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamer_restarts_total",
			Help:      "Number of completed streamer restarts per camera.",
		}, []string{"serial"}),
		StreamerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streamer_crashes_total",
			Help:      "Number of cameras disabled after exceeding the restart budget.",
		}, []string{"serial"}),
		Registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registrations_total",
			Help:      "Number of stream registrations emitted per camera.",
		}, []string{"serial"}),
		BrokerPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_publishes_total",
			Help:      "Number of camera registration records published to the broker.",
		}),
		UnitsAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "units_alive",
			Help:      "Number of camera units that have not been disabled.",
		}),
		BrokerConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connected",
			Help:      "1 when the metadata broker link is connected.",
		}),
	}

	m.registry.MustRegister(
		m.StreamerRestarts,
		m.StreamerCrashes,
		m.Registrations,
		m.BrokerPublishes,
		m.UnitsAlive,
		m.BrokerConnected,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry は内部のPrometheusレジストリを返す
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler は /metrics 用のHTTPハンドラを返す
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RestartCompleted は再起動完了を記録する
func (m *Metrics) RestartCompleted(serial string) {
	if m == nil {
		return
	}
	m.StreamerRestarts.WithLabelValues(serial).Inc()
}

// Crashed はクラッシュによる無効化を記録する
func (m *Metrics) Crashed(serial string) {
	if m == nil {
		return
	}
	m.StreamerCrashes.WithLabelValues(serial).Inc()
}

// Registered は登録メッセージの送出を記録する
func (m *Metrics) Registered(serial string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(serial).Inc()
}

// Published はブローカーへの送信を記録する
func (m *Metrics) Published() {
	if m == nil {
		return
	}
	m.BrokerPublishes.Inc()
}

// UnitAdded は生存ユニット数を1増やす
func (m *Metrics) UnitAdded() {
	if m == nil {
		return
	}
	m.UnitsAlive.Inc()
}

// UnitDisabled は生存ユニット数を1減らす
func (m *Metrics) UnitDisabled() {
	if m == nil {
		return
	}
	m.UnitsAlive.Dec()
}

// SetBrokerConnected はブローカー接続状態を記録する
func (m *Metrics) SetBrokerConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.BrokerConnected.Set(1)
		return
	}
	m.BrokerConnected.Set(0)
}

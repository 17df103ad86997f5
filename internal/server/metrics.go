package server

import (
	"fmt"
	"net/http"
	"sync"
)

// Metrics holds application counters. Exposed in Prometheus text format
// by metricsHandler; no external metrics dependency.
type Metrics struct {
	mu sync.RWMutex

	appliesTotal        int64
	occupiesTotal       int64
	itemListsTotal      int64
	contentFetchesTotal int64
	deniedTotal         int64 // wrong password or lockout

	requestsTotal    int64
	requestErrors4xx int64
	requestErrors5xx int64
}

var globalMetrics = &Metrics{}

// GetMetrics returns the global metrics instance
func GetMetrics() *Metrics {
	return globalMetrics
}

func (m *Metrics) RecordApply() {
	m.mu.Lock()
	m.appliesTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordOccupy() {
	m.mu.Lock()
	m.occupiesTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordItemList() {
	m.mu.Lock()
	m.itemListsTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordContentFetch() {
	m.mu.Lock()
	m.contentFetchesTotal++
	m.mu.Unlock()
}

func (m *Metrics) RecordDenied() {
	m.mu.Lock()
	m.deniedTotal++
	m.mu.Unlock()
}

// RecordRequest counts one finished HTTP request by status class.
func (m *Metrics) RecordRequest(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestsTotal++
	switch {
	case status >= 500:
		m.requestErrors5xx++
	case status >= 400:
		m.requestErrors4xx++
	}
}

// metricsHandler renders the counters in Prometheus text format.
func metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m := GetMetrics()
		m.mu.RLock()
		defer m.mu.RUnlock()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		write := func(name, help string, value int64) {
			fmt.Fprintf(w, "# HELP %s %s\n", name, help)
			fmt.Fprintf(w, "# TYPE %s counter\n", name)
			fmt.Fprintf(w, "%s %d\n", name, value)
		}

		write("cabinet_applies_total", "Cabinet reservations handed out", m.appliesTotal)
		write("cabinet_occupies_total", "Cabinets filled with content", m.occupiesTotal)
		write("cabinet_item_lists_total", "Successful item list fetches", m.itemListsTotal)
		write("cabinet_content_fetches_total", "Successful item content fetches", m.contentFetchesTotal)
		write("cabinet_access_denied_total", "Wrong-password or locked-out accesses", m.deniedTotal)
		write("http_requests_total", "HTTP requests served", m.requestsTotal)
		write("http_request_errors_4xx_total", "HTTP 4xx responses", m.requestErrors4xx)
		write("http_request_errors_5xx_total", "HTTP 5xx responses", m.requestErrors5xx)
	}
}

// Package metrics exposes Prometheus collectors for the scrape service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlPagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeq_crawl_pages_total",
			Help: "Pages fetched during URL discovery, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	crawlDiscoveredURLs = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scrapeq_crawl_discovered_urls",
			Help:    "Number of URLs returned per discovery crawl.",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method, route and code.",
		},
		[]string{"method", "route", "code"},
	)

	httpInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapeq_http_in_flight_requests",
			Help: "HTTP requests currently being served.",
		},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	jobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeq_jobs_total",
			Help: "Job state transitions, labeled by resulting state.",
		},
		[]string{"state"},
	)

	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapeq_active_jobs",
			Help: "Number of jobs currently held by a worker.",
		},
	)

	proxiesBanned = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scrapeq_proxies_banned",
			Help: "Number of proxies banned in this process.",
		},
	)

	marketplaceSearches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeq_search_marketplace_total",
			Help: "Marketplace searches, labeled by marketplace and outcome.",
		},
		[]string{"marketplace", "outcome"},
	)

	ingressRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scrapeq_ingress_rejections_total",
			Help: "Submissions rejected at the ingress guard, labeled by reason.",
		},
		[]string{"reason"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveCrawlPage counts one discovery fetch.
func ObserveCrawlPage(site, outcome string) {
	crawlPagesTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveDiscovered records the size of a crawl result.
func ObserveDiscovered(count int) {
	crawlDiscoveredURLs.Observe(float64(count))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given state.
func ObserveJob(state string) {
	jobsTotal.WithLabelValues(state).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	activeJobs.Dec()
}

// SetProxiesBanned reports the current ban-set size.
func SetProxiesBanned(n int) {
	proxiesBanned.Set(float64(n))
}

// ObserveIngressRejection counts a rejected submission.
func ObserveIngressRejection(reason string) {
	ingressRejections.WithLabelValues(reason).Inc()
}

// ObserveMarketplaceSearch counts one marketplace search.
func ObserveMarketplaceSearch(marketplace, outcome string) {
	marketplaceSearches.WithLabelValues(marketplace, outcome).Inc()
}

// Package crawler holds the domain model shared by the job queue, rotators,
// ingress guard, and fetchers, plus the frontier Engine that discovers product
// URLs from listing pages.
package crawler

package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/crawler"
	"github.com/JakeFAU/scrapeq/internal/search"
)

type fakeSearcher struct {
	result   search.Result
	err      error
	lastTerm string
	lastOpts search.Options
}

func (f *fakeSearcher) Search(_ context.Context, term string, opts search.Options) (search.Result, error) {
	f.lastTerm = term
	f.lastOpts = opts
	return f.result, f.err
}

func newSearchServer(jobs *fakeJobs, searcher Searcher, guard Admitter) *Server {
	return NewServer(jobs, nil, searcher, guard, &fakeClock{now: time.Unix(1_000, 0)}, Config{}, zap.NewNop())
}

func kettleResult() search.Result {
	return search.Result{
		Term: "kettle",
		Marketplaces: []search.MarketResult{
			{Marketplace: "ebay", URLs: []string{"https://www.ebay.com/itm/1", "https://www.ebay.com/itm/2"}, Attempts: 1},
			{Marketplace: "amazon", URLs: []string{}, Attempts: 2, Error: "max retries exceeded: no product links found"},
		},
		Total: 2,
	}
}

func TestSearchProducts(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{result: kettleResult()}
	jobs := newFakeJobs()
	s := newSearchServer(jobs, searcher, newGuard(10))

	rec := do(t, s, http.MethodPost, "/v1/search",
		`{"term":"kettle","marketplaces":["ebay","amazon"],"max_results":3,"exclude_patterns":["usado"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "kettle", body["term"])
	require.EqualValues(t, 2, body["total"])
	require.Len(t, body["marketplaces"], 2)
	require.NotContains(t, body, "job_ids")
	require.Empty(t, jobs.submitted)

	require.Equal(t, "kettle", searcher.lastTerm)
	require.Equal(t, []string{"ebay", "amazon"}, searcher.lastOpts.Marketplaces)
	require.Equal(t, 3, searcher.lastOpts.MaxResults)
	require.Equal(t, []string{"usado"}, searcher.lastOpts.Exclude)
}

func TestSearchProductsEnqueue(t *testing.T) {
	t.Parallel()

	jobs := newFakeJobs()
	s := newSearchServer(jobs, &fakeSearcher{result: kettleResult()}, newGuard(10))

	rec := do(t, s, http.MethodPost, "/v1/search", `{"term":"kettle","enqueue":true,"options":{"save_result":true}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, []any{"job-1", "job-2"}, body["job_ids"])
	require.Equal(t, []string{"https://www.ebay.com/itm/1", "https://www.ebay.com/itm/2"}, jobs.submitted)
	require.True(t, jobs.lastOpts.SaveResult)
}

func TestSearchProductsErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want int
	}{
		{"invalid term", fmt.Errorf("%w: search term required", crawler.ErrInvalidRequest), http.StatusBadRequest},
		{"nothing found", fmt.Errorf("%w: no marketplace returned products", crawler.ErrCrawlFailed), http.StatusBadGateway},
		{"proxies exhausted", crawler.ErrAllProxiesBanned, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := newSearchServer(newFakeJobs(), &fakeSearcher{result: kettleResult(), err: tc.err}, nil)
			rec := do(t, s, http.MethodPost, "/v1/search", `{"term":"kettle"}`)
			require.Equal(t, tc.want, rec.Code)
			require.Contains(t, rec.Body.String(), "error")
		})
	}

	t.Run("failed search lists marketplaces", func(t *testing.T) {
		t.Parallel()
		s := newSearchServer(newFakeJobs(), &fakeSearcher{result: kettleResult(), err: crawler.ErrCrawlFailed}, nil)
		body := decode[map[string]any](t, do(t, s, http.MethodPost, "/v1/search", `{"term":"kettle"}`))
		require.Len(t, body["marketplaces"], 2)
	})
}

func TestSearchProductsValidation(t *testing.T) {
	t.Parallel()

	s := newSearchServer(newFakeJobs(), &fakeSearcher{}, nil)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/search", "{").Code)
	require.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/v1/search", `{"term":"x","max_results":-1}`).Code)

	unavailable := newSearchServer(newFakeJobs(), nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, do(t, unavailable, http.MethodPost, "/v1/search", `{"term":"x"}`).Code)
}

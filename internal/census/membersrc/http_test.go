package membersrc

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/pkg/common/logger"
)

func newTestSource(t *testing.T, serverURL string, opts ...HTTPOption) *HTTPSource {
	t.Helper()
	base := []HTTPOption{
		WithRateLimit(1000, 1000),
		WithRetryMaxElapsed(500 * time.Millisecond),
		WithRetryInterval(10 * time.Millisecond),
	}
	return NewHTTPSource(
		serverURL,
		"gophers",
		logger.New(io.Discard, logger.LevelDebug, "membersrc-test", nil),
		noop.NewTracerProvider().Tracer("test"),
		append(base, opts...)...,
	)
}

func TestFetchPageRequestShape(t *testing.T) {
	var gotPath, gotLimit, gotCursor string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotLimit = r.URL.Query().Get("limit")
		gotCursor = r.URL.Query().Get("cursor")
		fmt.Fprint(w, `{"members":[{"id":"alice","flair":"gold"}],"next":"c2"}`)
	}))
	defer server.Close()

	source := newTestSource(t, server.URL)
	cursor := "abc"

	page, err := source.FetchPage(context.Background(), &cursor)
	require.NoError(t, err)

	assert.Equal(t, "/communities/gophers/members", gotPath)
	assert.Equal(t, "1000", gotLimit)
	assert.Equal(t, "abc", gotCursor)

	require.Len(t, page.Members, 1)
	assert.Equal(t, domain.Member{ID: "alice", Flair: "gold"}, page.Members[0])
	require.NotNil(t, page.Next)
	assert.Equal(t, "c2", *page.Next)
}

func TestFetchPageFirstPageOmitsCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.False(t, r.URL.Query().Has("cursor"))
		fmt.Fprint(w, `{"members":[],"next":null}`)
	}))
	defer server.Close()

	source := newTestSource(t, server.URL)

	page, err := source.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, page.Members)
	assert.Nil(t, page.Next)
}

func TestFetchPageRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"members":[{"id":"alice","flair":"gold"}],"next":null}`)
	}))
	defer server.Close()

	source := newTestSource(t, server.URL)

	page, err := source.FetchPage(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, page.Members, 1)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestFetchPageClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	source := newTestSource(t, server.URL)

	_, err := source.FetchPage(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, domain.IsFatalPageError(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchPageExhaustsRetryBudget(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	source := newTestSource(t, server.URL)

	_, err := source.FetchPage(context.Background(), nil)
	require.Error(t, err)

	var scanErr *domain.ScanError
	require.ErrorAs(t, err, &scanErr)
	assert.Equal(t, domain.ErrKindTransport, scanErr.Kind())
}

func TestFetchPageMalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "invalid json", body: `{"members": [`},
		{name: "missing member list", body: `{"next":"c2"}`},
		{name: "member list not a sequence", body: `{"members":{"id":"x"},"next":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			source := newTestSource(t, server.URL)

			_, err := source.FetchPage(context.Background(), nil)
			require.Error(t, err)

			var scanErr *domain.ScanError
			require.ErrorAs(t, err, &scanErr)
			assert.Equal(t, domain.ErrKindMalformedPage, scanErr.Kind())
		})
	}
}

func TestFetchPageContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	source := newTestSource(t, server.URL)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := source.FetchPage(ctx, nil)
	require.Error(t, err)
	assert.True(t, domain.IsFatalPageError(err))
}

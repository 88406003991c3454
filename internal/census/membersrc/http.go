// Package membersrc provides page sources for the community membership
// listing. The HTTP source talks to the listing API with rate limiting and
// bounded retries on transient failures.
package membersrc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/flairscan/flairscan/internal/domain/census"
	"github.com/flairscan/flairscan/pkg/common"
	"github.com/flairscan/flairscan/pkg/common/logger"
)

const (
	// DefaultPageSize is the page size requested from the listing API.
	DefaultPageSize = 1000

	// defaultRequestsPerSecond caps the request rate against the listing
	// API, with a small burst for back-to-back chunk starts.
	defaultRequestsPerSecond = 5.0
	defaultBurst             = 3

	// defaultRetryMaxElapsed bounds transient-failure retries well below the
	// chunk time budget so a flapping API cannot eat the whole invocation.
	defaultRetryMaxElapsed = 5 * time.Second
	defaultRetryInterval   = 250 * time.Millisecond
)

var _ domain.PageSource = (*HTTPSource)(nil)

// memberEnvelope is the wire shape of one listing entry.
type memberEnvelope struct {
	ID    string `json:"id"`
	Flair string `json:"flair"`
}

// pageEnvelope is the wire shape of one listing page.
type pageEnvelope struct {
	Members *[]memberEnvelope `json:"members"`
	Next    *string           `json:"next"`
}

// HTTPSource fetches membership pages from the community listing API.
type HTTPSource struct {
	baseURL     string
	communityID string
	client      *http.Client
	rateLimiter *common.RateLimiter
	logger      *logger.Logger
	tracer      trace.Tracer

	pageSize        int
	retryMaxElapsed time.Duration
	retryInterval   time.Duration
}

// HTTPOption configures an HTTPSource.
type HTTPOption func(*HTTPSource)

// WithHTTPClient substitutes the HTTP client, for tests and custom
// transports.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(s *HTTPSource) { s.client = client }
}

// WithPageSize overrides the requested page size.
func WithPageSize(size int) HTTPOption {
	return func(s *HTTPSource) { s.pageSize = size }
}

// WithRateLimit overrides the request rate cap.
func WithRateLimit(rps float64, burst int) HTTPOption {
	return func(s *HTTPSource) { s.rateLimiter = common.NewRateLimiter(rps, burst) }
}

// WithRetryMaxElapsed bounds how long transient failures are retried.
func WithRetryMaxElapsed(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.retryMaxElapsed = d }
}

// WithRetryInterval sets the initial retry interval.
func WithRetryInterval(d time.Duration) HTTPOption {
	return func(s *HTTPSource) { s.retryInterval = d }
}

// NewHTTPSource creates an HTTPSource for one community's listing.
func NewHTTPSource(baseURL, communityID string, logger *logger.Logger, tracer trace.Tracer, opts ...HTTPOption) *HTTPSource {
	s := &HTTPSource{
		baseURL:         baseURL,
		communityID:     communityID,
		client:          &http.Client{Timeout: 10 * time.Second},
		rateLimiter:     common.NewRateLimiter(defaultRequestsPerSecond, defaultBurst),
		logger:          logger,
		tracer:          tracer,
		pageSize:        DefaultPageSize,
		retryMaxElapsed: defaultRetryMaxElapsed,
		retryInterval:   defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FetchPage retrieves one page of the membership listing. Transient HTTP
// failures are retried with exponential backoff; everything that survives the
// retry budget surfaces as a transport error, and structurally invalid
// responses surface as malformed-page errors. Both are fatal to the caller's
// scan generation.
func (s *HTTPSource) FetchPage(ctx context.Context, cursor *string) (*domain.MemberPage, error) {
	ctx, span := s.tracer.Start(ctx, "membersrc.fetch_page",
		trace.WithAttributes(attribute.String("community_id", s.communityID)))
	defer span.End()

	if err := s.rateLimiter.Wait(ctx); err != nil {
		return nil, domain.NewTransportError(fmt.Errorf("rate limiter wait: %w", err))
	}

	reqURL, err := s.pageURL(cursor)
	if err != nil {
		return nil, domain.NewTransportError(err)
	}

	var body []byte
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.MaxElapsedTime = s.retryMaxElapsed
	expBackoff.InitialInterval = s.retryInterval

	operation := func() error {
		var opErr error
		body, opErr = s.fetchOnce(ctx, reqURL)
		return opErr
	}

	if err := backoff.Retry(operation, backoff.WithContext(expBackoff, ctx)); err != nil {
		span.RecordError(err)
		return nil, domain.NewTransportError(err)
	}

	page, err := decodePage(body)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("member_count", len(page.Members)))
	return page, nil
}

// pageURL builds the listing request URL for the given cursor.
func (s *HTTPSource) pageURL(cursor *string) (string, error) {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid listing base URL: %w", err)
	}
	u = u.JoinPath("communities", s.communityID, "members")

	q := u.Query()
	q.Set("limit", strconv.Itoa(s.pageSize))
	if cursor != nil {
		q.Set("cursor", *cursor)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fetchOnce performs a single listing request. Server-side and network
// failures are retryable; client errors are permanent.
func (s *HTTPSource) fetchOnce(ctx context.Context, reqURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build listing request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read listing response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("listing returned status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("listing returned status %d", resp.StatusCode))
	}
}

// decodePage parses and shape-checks a listing response body.
func decodePage(body []byte) (*domain.MemberPage, error) {
	var envelope pageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, domain.NewMalformedPageError(fmt.Sprintf("invalid JSON: %v", err))
	}
	if envelope.Members == nil {
		return nil, domain.NewMalformedPageError("member list missing or not a sequence")
	}

	members := make([]domain.Member, 0, len(*envelope.Members))
	for _, m := range *envelope.Members {
		members = append(members, domain.Member{ID: m.ID, Flair: m.Flair})
	}
	return &domain.MemberPage{Members: members, Next: envelope.Next}, nil
}

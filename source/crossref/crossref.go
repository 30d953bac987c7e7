// Package crossref harvests bibliographic records from the Crossref REST
// API for entities carrying an ORCID identifier.
package crossref

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/refstream/errors"
	"github.com/c360/refstream/source"
	"github.com/c360/refstream/types"
)

const (
	// Name is the registry key for this source.
	Name = "crossref"

	// BaseURL is the Crossref REST API base URL.
	BaseURL = "https://api.crossref.org"

	// DefaultRateLimit respects Crossref's polite-pool guidance.
	DefaultRateLimit = 5.0

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// pageRows is the number of works requested per page.
	pageRows = 200
)

// Adapter fetches works authored under an ORCID from Crossref.
type Adapter struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
	mailto     string
	logger     *slog.Logger
}

var _ source.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) {
		a.httpClient = hc
	}
}

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) {
		a.baseURL = u
	}
}

// WithRateLimit overrides the default request rate.
func WithRateLimit(rps float64) Option {
	return func(a *Adapter) {
		if rps > 0 {
			a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithMailto attaches a contact address to requests, opting into
// Crossref's polite pool.
func WithMailto(mailto string) Option {
	return func(a *Adapter) {
		a.mailto = mailto
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates a Crossref adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(DefaultRateLimit), 1),
		baseURL:    BaseURL,
		logger:     slog.Default().With("source", Name),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the source name.
func (a *Adapter) Name() string { return Name }

// Relevant reports whether the entity carries an ORCID.
func (a *Adapter) Relevant(entity *types.Entity) bool {
	return entity.Identifier(types.IdentifierORCID) != ""
}

// Fetch pages through the works filtered by the entity's ORCID, emitting
// one raw result per work.
func (a *Adapter) Fetch(ctx context.Context, entity *types.Entity) *source.Stream {
	stream := source.NewStream()
	orcid := entity.Identifier(types.IdentifierORCID)

	go func() {
		cursor := "*"
		for {
			page, err := a.fetchPage(ctx, orcid, cursor)
			if err != nil {
				stream.Fail(err)
				return
			}
			for _, item := range page.Message.Items {
				var work workStub
				if err := json.Unmarshal(item, &work); err != nil {
					stream.Fail(errors.Format(Name, err))
					return
				}
				if work.DOI == "" {
					stream.Fail(errors.Format(Name, fmt.Errorf("work without DOI")))
					return
				}
				if !stream.Emit(ctx, source.RawResult{
					FormatterName: Name,
					SourceID:      work.DOI,
					Payload:       item,
				}) {
					return
				}
			}
			if len(page.Message.Items) < pageRows || page.Message.NextCursor == "" {
				stream.Close()
				return
			}
			cursor = page.Message.NextCursor
		}
	}()

	return stream
}

type worksPage struct {
	Message struct {
		NextCursor string            `json:"next-cursor"`
		Items      []json.RawMessage `json:"items"`
	} `json:"message"`
}

type workStub struct {
	DOI string `json:"DOI"`
}

func (a *Adapter) fetchPage(ctx context.Context, orcid, cursor string) (*worksPage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Endpoint(Name, err)
	}

	q := url.Values{}
	q.Set("filter", "orcid:"+orcid)
	q.Set("rows", fmt.Sprintf("%d", pageRows))
	q.Set("cursor", cursor)
	if a.mailto != "" {
		q.Set("mailto", a.mailto)
	}
	reqURL := fmt.Sprintf("%s/works?%s", a.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Endpoint(Name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.Endpoint(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Endpoint(Name,
			fmt.Errorf("works query returned %d: %s", resp.StatusCode, string(body)))
	}

	var page worksPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Format(Name, err)
	}
	a.logger.Debug("fetched works page", "orcid", orcid, "items", len(page.Message.Items))
	return &page, nil
}

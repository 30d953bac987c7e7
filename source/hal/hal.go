// Package hal harvests bibliographic records from the HAL open archive
// search API for entities carrying a HAL identifier.
package hal

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
	Name = "hal"

	// BaseURL is the HAL search API base URL.
	BaseURL = "https://api.archives-ouvertes.fr/search"

	// DefaultRateLimit keeps request volume polite.
	DefaultRateLimit = 5.0

	// DefaultTimeout is the per-request HTTP timeout.
	DefaultTimeout = 60 * time.Second

	// pageRows is the number of documents requested per page.
	pageRows = 500

	// docFields enumerates the HAL document fields requested.
	docFields = "halId_s,title_s,subTitle_s,abstract_s,docType_s,language_s," +
		"producedDate_s,authFullName_s,keyword_s,doiId_s"
)

// Adapter fetches documents authored under a HAL id.
type Adapter struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    string
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

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		a.logger = logger
	}
}

// New creates a HAL adapter.
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

// Relevant reports whether the entity carries a HAL form identifier.
func (a *Adapter) Relevant(entity *types.Entity) bool {
	return entity.Identifier(types.IdentifierHALID) != ""
}

// Fetch pages through the entity's HAL documents, emitting one raw result
// per document.
func (a *Adapter) Fetch(ctx context.Context, entity *types.Entity) *source.Stream {
	stream := source.NewStream()
	halID := entity.Identifier(types.IdentifierHALID)

	go func() {
		start := 0
		for {
			page, err := a.fetchPage(ctx, halID, start)
			if err != nil {
				stream.Fail(err)
				return
			}
			for _, doc := range page.Response.Docs {
				var stub docStub
				if err := json.Unmarshal(doc, &stub); err != nil {
					stream.Fail(errors.Format(Name, err))
					return
				}
				if stub.HalID == "" {
					stream.Fail(errors.Format(Name, fmt.Errorf("document without halId_s")))
					return
				}
				if !stream.Emit(ctx, source.RawResult{
					FormatterName: Name,
					SourceID:      stub.HalID,
					Payload:       doc,
				}) {
					return
				}
			}
			start += len(page.Response.Docs)
			if start >= page.Response.NumFound || len(page.Response.Docs) == 0 {
				stream.Close()
				return
			}
		}
	}()

	return stream
}

type searchPage struct {
	Response struct {
		NumFound int               `json:"numFound"`
		Docs     []json.RawMessage `json:"docs"`
	} `json:"response"`
}

type docStub struct {
	HalID string `json:"halId_s"`
}

func (a *Adapter) fetchPage(ctx context.Context, halID string, start int) (*searchPage, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, errors.Endpoint(Name, err)
	}

	q := url.Values{}
	q.Set("q", "authIdHal_s:"+halID)
	q.Set("wt", "json")
	q.Set("fl", docFields)
	q.Set("rows", fmt.Sprintf("%d", pageRows))
	q.Set("start", fmt.Sprintf("%d", start))
	reqURL := fmt.Sprintf("%s/?%s", a.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Endpoint(Name, err)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, errors.Endpoint(Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Endpoint(Name,
			fmt.Errorf("search query returned %d: %s", resp.StatusCode, string(body)))
	}

	var page searchPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, errors.Format(Name, err)
	}
	a.logger.Debug("fetched search page", "hal_id", halID, "start", start, "docs", len(page.Response.Docs))
	return &page, nil
}

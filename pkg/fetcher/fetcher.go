package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/minio/minio-go/v7"
	"golang.org/x/time/rate"

	"github.com/dtnitsch/lepi-pipeline/pkg/resilience"
)

// Fetcher retrieves the raw bytes behind a source reference. Supported
// references: http(s) URLs, file:// URLs, plain local paths, and
// s3://bucket/key when an S3 client is configured.
type Fetcher struct {
	client    *http.Client
	limiter   *rate.Limiter
	exec      *resilience.Executor
	execCfg   *resilience.Config
	s3        *minio.Client
	maxBytes  int64
	userAgent string
	logger    *slog.Logger
}

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option { return func(f *Fetcher) { f.client = c } }
func WithS3(c *minio.Client) Option        { return func(f *Fetcher) { f.s3 = c } }
func WithMaxBytes(n int64) Option          { return func(f *Fetcher) { f.maxBytes = n } }
func WithUserAgent(ua string) Option       { return func(f *Fetcher) { f.userAgent = ua } }
func WithLogger(l *slog.Logger) Option     { return func(f *Fetcher) { f.logger = l } }

// WithRateLimit caps retrievals per second across all workers. Zero disables it.
func WithRateLimit(perSec float64) Option {
	return func(f *Fetcher) {
		if perSec > 0 {
			f.limiter = rate.NewLimiter(rate.Limit(perSec), max(1, int(perSec)))
		}
	}
}

// WithResilience retries and breaks network retrievals per host. The executor
// is built after every option is applied so it shares the final logger.
func WithResilience(cfg resilience.Config) Option {
	return func(f *Fetcher) { f.execCfg = &cfg }
}

func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{},
		maxBytes:  32 << 20,
		userAgent: "lepi-pipeline/1.0",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	execCfg := resilience.Config{RetryMaxAttempts: 1}
	if f.execCfg != nil {
		execCfg = *f.execCfg
	}
	f.exec = resilience.NewExecutor(execCfg, f.logger)
	return f
}

// Fetch returns the bytes of the image behind ref. The caller bounds the call
// with ctx; errors wrap one of the package sentinels.
func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	u, err := url.Parse(ref)
	if err != nil {
		// Not a URL; it may still be a local path.
		return f.fetchFile(ref)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: missing host in %q", ErrInvalidReference, ref)
		}
		return f.fetchHTTP(ctx, u, true)
	case "file":
		return f.fetchFile(u.Path)
	case "s3":
		return f.fetchS3(ctx, u)
	case "":
		return f.fetchFile(ref)
	}
	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidReference, u.Scheme)
}

func (f *Fetcher) fetchFile(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %q is neither a URL nor an existing file", ErrInvalidReference, path)
	}
	if info.Size() > f.maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrInvalidReference, path, info.Size(), f.maxBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnknown, err)
	}
	return data, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL, followLanding bool) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, Classify(err)
		}
	}

	var (
		body        []byte
		contentType string
	)
	err := f.exec.Execute(ctx, u.Host, func(ctx context.Context) error {
		var err error
		body, contentType, err = f.get(ctx, u.String())
		return err
	}, classifyHTTP)
	if err != nil {
		if resilience.IsCircuitOpen(err) {
			return nil, fmt.Errorf("%w: host %s: %w", ErrNetwork, u.Host, err)
		}
		return nil, Classify(err)
	}

	if followLanding && isHTML(contentType, body) {
		imageURL, err := resolveLandingPage(body, u)
		if err != nil {
			return nil, err
		}
		f.logger.Debug("Resolved landing page to image", "page", u.String(), "image", imageURL.String())
		return f.fetchHTTP(ctx, imageURL, false)
	}
	return body, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidReference, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*,text/html;q=0.5,*/*;q=0.1")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", Classify(fmt.Errorf("failed to make HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("%w: %w", ErrNetwork, &StatusError{Code: resp.StatusCode})
	}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, "", Classify(fmt.Errorf("failed to read response body: %w", err))
	}
	if int64(len(bodyBytes)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w: response exceeds %d bytes", ErrInvalidReference, f.maxBytes)
	}
	return bodyBytes, resp.Header.Get("Content-Type"), nil
}

func classifyHTTP(err error) resilience.ErrorClassification {
	var statusErr *StatusError
	switch {
	case errors.As(err, &statusErr):
		return resilience.ErrorClassification{Retryable: statusErr.Retryable(), RecordFailure: statusErr.Retryable()}
	case errors.Is(err, ErrTimeout):
		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	case errors.Is(err, ErrNetwork):
		return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
	}
	return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
}

func isHTML(contentType string, body []byte) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		return mediaType == "text/html" || mediaType == "application/xhtml+xml"
	}
	return strings.HasPrefix(http.DetectContentType(body), "text/html")
}

// resolveLandingPage finds the primary image of an HTML page: og:image,
// then link[rel=image_src], then the first <img>.
func resolveLandingPage(body []byte, base *url.URL) (*url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse HTML: %w", ErrInvalidReference, err)
	}

	candidates := []string{
		doc.Find(`meta[property="og:image"]`).First().AttrOr("content", ""),
		doc.Find(`meta[name="twitter:image"]`).First().AttrOr("content", ""),
		doc.Find(`link[rel="image_src"]`).First().AttrOr("href", ""),
		doc.Find("img[src]").First().AttrOr("src", ""),
	}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		ref, err := url.Parse(c)
		if err != nil {
			continue
		}
		resolved := base.ResolveReference(ref)
		if resolved.Scheme == "http" || resolved.Scheme == "https" {
			return resolved, nil
		}
	}
	return nil, fmt.Errorf("%w: page %s has no image", ErrInvalidReference, base.String())
}

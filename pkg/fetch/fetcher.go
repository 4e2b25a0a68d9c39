// Package fetch retrieves a single resource with provider-aware credentials,
// retrying rate limits and transient failures with exponential backoff.
//
// Requests go out anonymously first. Credentials are attached only when the
// host answers 401 or 403 (or 404 for GitHub, which hides private content),
// so public resources never see a token. An explicit header override is sent
// from the first request.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/cache"
	"github.com/CliForge/envforge/pkg/logger"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/afero"
)

// maxBodySize bounds a single resource download.
const maxBodySize = 64 << 20

// Cache is the subset of the resource cache used for revalidation.
type Cache interface {
	Get(ctx context.Context, key string) (*cache.Entry, error)
	Set(ctx context.Context, key string, entry *cache.Entry) error
	Touch(ctx context.Context, key string) error
}

// Options tunes retries and timeouts.
type Options struct {
	// MaxAttempts is the total number of attempts, first one included.
	MaxAttempts int
	// BaseDelay is the first backoff delay; it doubles each attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff.
	MaxDelay time.Duration
	// JitterPercent randomizes each delay by up to this percentage.
	JitterPercent uint64
	// AttemptTimeout bounds each attempt, escalation included.
	AttemptTimeout time.Duration
	// MaxRetryAfter caps server Retry-After hints.
	MaxRetryAfter time.Duration
	// UserAgent is sent with every request.
	UserAgent string
}

// DefaultOptions returns the production retry policy.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    4,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterPercent:  20,
		AttemptTimeout: 30 * time.Second,
		MaxRetryAfter:  2 * time.Minute,
		UserAgent:      "envforge",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = d.BaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = d.MaxDelay
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = d.AttemptTimeout
	}
	if o.MaxRetryAfter <= 0 {
		o.MaxRetryAfter = d.MaxRetryAfter
	}
	if o.UserAgent == "" {
		o.UserAgent = d.UserAgent
	}
	return o
}

// Result is the terminal outcome of one fetch.
type Result struct {
	Descriptor    source.Descriptor
	Body          []byte
	ContentType   string
	Binary        bool
	Attempts      int
	Authenticated bool
	// FromCache is set when the server answered 304 Not Modified.
	FromCache bool
	// Stale is set when a cached copy was served after retries ran out.
	Stale bool
	Err   *Error
}

// OK reports whether the fetch produced a body.
func (r Result) OK() bool {
	return r.Err == nil
}

// Failure returns the error as an error interface, nil on success.
func (r Result) Failure() error {
	if r.Err == nil {
		return nil
	}
	return r.Err
}

// Fetcher fetches resources. It is safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	fs       afero.Fs
	cache    Cache
	throttle *Throttle
	opts     Options
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithFs sets the filesystem local descriptors are read from.
func WithFs(fs afero.Fs) Option {
	return func(f *Fetcher) {
		if fs != nil {
			f.fs = fs
		}
	}
}

// WithCache enables conditional requests and stale fallback.
func WithCache(c Cache) Option {
	return func(f *Fetcher) {
		f.cache = c
	}
}

// WithThrottle sets the throttle consulted before each attempt.
func WithThrottle(t *Throttle) Option {
	return func(f *Fetcher) {
		f.throttle = t
	}
}

// WithOptions sets the retry policy. Zero fields keep their defaults.
func WithOptions(o Options) Option {
	return func(f *Fetcher) {
		f.opts = o.withDefaults()
	}
}

// New creates a fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client: &http.Client{},
		fs:     afero.NewOsFs(),
		opts:   DefaultOptions(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Throttle returns the fetcher's shared throttle, possibly nil.
func (f *Fetcher) Throttle() *Throttle {
	return f.throttle
}

// Fetch retrieves desc. It never panics on network trouble; every failure
// is reported through Result.Err.
func (f *Fetcher) Fetch(ctx context.Context, desc source.Descriptor, creds auth.Credentials) Result {
	if desc.IsLocal() {
		return f.readLocal(desc)
	}

	log := logger.FromContext(ctx).With("url", desc.Location)
	res := Result{Descriptor: desc}

	var cached *cache.Entry
	if f.cache != nil {
		if entry, err := f.cache.Get(ctx, desc.Location); err == nil {
			cached = entry
		}
	}

	var hint time.Duration
	var out *response
	var last *Error

	err := retry.Do(ctx, f.backoff(&hint), func(ctx context.Context) error {
		if err := f.throttle.Wait(ctx); err != nil {
			return err
		}
		res.Attempts++

		resp, ferr := f.attempt(ctx, desc, creds, cached)
		if ferr == nil {
			f.throttle.Relax()
			out = resp
			return nil
		}

		last = ferr
		hint = ferr.retryAfter
		switch ferr.Kind {
		case KindRateLimit:
			window := f.throttle.Penalize(ferr.retryAfter)
			log.Debug("rate limited", "attempt", res.Attempts, "window", window)
			return retry.RetryableError(ferr)
		case KindTransient:
			log.Debug("transient failure", "attempt", res.Attempts, "err", ferr.Err)
			return retry.RetryableError(ferr)
		default:
			return ferr
		}
	})

	if err == nil {
		return f.success(ctx, res, out)
	}

	if ctx.Err() != nil && (last == nil || last.Retryable() || last.Kind == KindCanceled) {
		res.Err = &Error{Kind: KindCanceled, URL: desc.Location, Attempts: res.Attempts, Err: ctx.Err()}
		return res
	}

	if last == nil {
		res.Err = &Error{Kind: KindTransient, URL: desc.Location, Attempts: res.Attempts, Err: err}
		return res
	}
	last.Attempts = res.Attempts
	res.Authenticated = last.Authenticated

	if last.Retryable() && cached != nil {
		log.Warn("serving stale cached copy", "err", last)
		res.Body = cached.Data
		res.ContentType = cached.ContentType
		res.Binary = isBinary(cached.ContentType, cached.Data)
		res.Stale = true
		return res
	}

	res.Err = last
	return res
}

// backoff builds the go-retry policy. A pending Retry-After hint replaces
// the computed delay when it is longer.
func (f *Fetcher) backoff(hint *time.Duration) retry.Backoff {
	b := retry.NewExponential(f.opts.BaseDelay)
	b = retry.WithCappedDuration(f.opts.MaxDelay, b)
	if f.opts.JitterPercent > 0 {
		b = retry.WithJitterPercent(f.opts.JitterPercent, b)
	}
	b = retry.WithMaxRetries(uint64(f.opts.MaxAttempts-1), b)

	return retry.BackoffFunc(func() (time.Duration, bool) {
		next, stop := b.Next()
		if stop {
			return 0, true
		}
		if h := *hint; h > next {
			if h > f.opts.MaxRetryAfter {
				h = f.opts.MaxRetryAfter
			}
			next = h
		}
		*hint = 0
		return next, false
	})
}

type response struct {
	status        int
	header        http.Header
	body          []byte
	authenticated bool
}

// attempt performs one logical attempt: an anonymous request, optionally
// followed by an authenticated one.
func (f *Fetcher) attempt(ctx context.Context, desc source.Descriptor, creds auth.Credentials, cached *cache.Entry) (*response, *Error) {
	actx, cancel := context.WithTimeout(ctx, f.opts.AttemptTimeout)
	defer cancel()

	header, hasHeader := auth.HeaderFor(desc.Provider, creds)
	if desc.AuthHint == source.AuthNever {
		hasHeader = false
	}

	// Credentials, the override included, only go to hosts that asked.
	resp, err := f.do(actx, desc, header, false, cached)
	if err != nil {
		return nil, f.transportError(ctx, desc, err, false)
	}

	if hasHeader && shouldEscalate(desc.Provider, resp.status) {
		logger.FromContext(ctx).Debug("escalating to authenticated request", "url", desc.Location, "status", resp.status)
		resp, err = f.do(actx, desc, header, true, cached)
		if err != nil {
			return nil, f.transportError(ctx, desc, err, true)
		}
	}

	return resp, classify(desc, resp, cached)
}

func shouldEscalate(provider source.Provider, status int) bool {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return true
	case http.StatusNotFound:
		return provider == source.ProviderGitHub
	default:
		return false
	}
}

func (f *Fetcher) do(ctx context.Context, desc source.Descriptor, header auth.Header, authenticate bool, cached *cache.Entry) (*response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Location, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "*/*")
	if authenticate {
		req.Header.Set(header.Name, header.Value)
	}
	if cached.HasValidators() {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(body) > maxBodySize {
		return nil, errBodyTooLarge
	}

	return &response{
		status:        resp.StatusCode,
		header:        resp.Header,
		body:          body,
		authenticated: authenticate,
	}, nil
}

var errBodyTooLarge = errors.New("response body too large")

func (f *Fetcher) transportError(parent context.Context, desc source.Descriptor, err error, authenticated bool) *Error {
	kind := KindTransient
	switch {
	case errors.Is(err, errBodyTooLarge):
		kind = KindInvalid
	case parent.Err() != nil:
		kind = KindCanceled
	case isTimeout(err):
		err = fmt.Errorf("attempt timed out: %w", err)
	}
	return &Error{Kind: kind, URL: desc.Location, Authenticated: authenticated, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// classify maps a response onto nil (usable) or a typed error.
func classify(desc source.Descriptor, resp *response, cached *cache.Entry) *Error {
	fail := func(kind Kind) *Error {
		return &Error{
			Kind:          kind,
			URL:           desc.Location,
			Status:        resp.status,
			Authenticated: resp.authenticated,
			retryAfter:    parseRetryAfter(resp.header.Get("Retry-After"), time.Now()),
		}
	}

	switch s := resp.status; {
	case s >= 200 && s < 300:
		return nil
	case s == http.StatusNotModified:
		if cached != nil {
			return nil
		}
		return fail(KindInvalid)
	case s == http.StatusTooManyRequests:
		return fail(KindRateLimit)
	case s == http.StatusForbidden && rateLimited(resp.header):
		return fail(KindRateLimit)
	case s == http.StatusUnauthorized || s == http.StatusForbidden:
		return fail(KindAuth)
	case s == http.StatusNotFound:
		return fail(KindNotFound)
	case s == http.StatusRequestTimeout,
		s == http.StatusInternalServerError,
		s == http.StatusBadGateway,
		s == http.StatusServiceUnavailable,
		s == http.StatusGatewayTimeout:
		return fail(KindTransient)
	default:
		return fail(KindInvalid)
	}
}

func rateLimited(h http.Header) bool {
	if h.Get("Retry-After") != "" {
		return true
	}
	return strings.TrimSpace(h.Get("X-RateLimit-Remaining")) == "0"
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func (f *Fetcher) success(ctx context.Context, res Result, resp *response) Result {
	res.Authenticated = resp.authenticated

	if resp.status == http.StatusNotModified {
		entry, err := f.cache.Get(ctx, res.Descriptor.Location)
		if err != nil {
			res.Err = &Error{Kind: KindInvalid, URL: res.Descriptor.Location, Status: resp.status, Attempts: res.Attempts, Err: err}
			return res
		}
		_ = f.cache.Touch(ctx, res.Descriptor.Location)
		res.Body = entry.Data
		res.ContentType = entry.ContentType
		res.Binary = isBinary(entry.ContentType, entry.Data)
		res.FromCache = true
		return res
	}

	res.Body = resp.body
	res.ContentType = resp.header.Get("Content-Type")
	if res.ContentType == "" {
		res.ContentType = http.DetectContentType(resp.body)
	}
	res.Binary = isBinary(res.ContentType, resp.body)

	if f.cache != nil {
		etag := resp.header.Get("ETag")
		lastModified := resp.header.Get("Last-Modified")
		if etag != "" || lastModified != "" {
			entry := &cache.Entry{
				URL:          res.Descriptor.Location,
				Data:         resp.body,
				ContentType:  res.ContentType,
				ETag:         etag,
				LastModified: lastModified,
			}
			if err := f.cache.Set(ctx, res.Descriptor.Location, entry); err != nil {
				logger.FromContext(ctx).Debug("cache write failed", "url", res.Descriptor.Location, "err", err)
			}
		}
	}
	return res
}

func (f *Fetcher) readLocal(desc source.Descriptor) Result {
	res := Result{Descriptor: desc, Attempts: 1}
	data, err := afero.ReadFile(f.fs, desc.Location)
	if err != nil {
		kind := KindInvalid
		if errors.Is(err, afero.ErrFileNotFound) {
			kind = KindNotFound
		}
		res.Err = &Error{Kind: kind, URL: desc.Location, Attempts: 1, Err: err}
		return res
	}
	res.Body = data
	res.ContentType = http.DetectContentType(data)
	res.Binary = isBinary(res.ContentType, data)
	return res
}

// isBinary treats NUL bytes in the first 8KB, or a non-text content type,
// as binary.
func isBinary(contentType string, body []byte) bool {
	head := body
	if len(head) > 8192 {
		head = head[:8192]
	}
	if bytes.IndexByte(head, 0) >= 0 {
		return true
	}
	ct := strings.ToLower(contentType)
	switch {
	case ct == "",
		strings.HasPrefix(ct, "text/"),
		strings.Contains(ct, "json"),
		strings.Contains(ct, "yaml"),
		strings.Contains(ct, "xml"),
		strings.Contains(ct, "javascript"),
		strings.Contains(ct, "toml"),
		strings.Contains(ct, "x-sh"),
		strings.Contains(ct, "x-python"):
		return false
	case strings.HasPrefix(ct, "application/octet-stream"):
		return !isProbablyText(head)
	default:
		return true
	}
}

func isProbablyText(b []byte) bool {
	return strings.HasPrefix(http.DetectContentType(b), "text/")
}

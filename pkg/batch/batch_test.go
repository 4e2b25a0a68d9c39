package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/source"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubFetcher answers from a table; unknown locations block until canceled.
type stubFetcher struct {
	mu       sync.Mutex
	inFlight int
	maxSeen  int
	delay    time.Duration
	fail     map[string]fetch.Kind
	auth     map[string]bool
	block    map[string]bool
}

func (s *stubFetcher) Fetch(ctx context.Context, desc source.Descriptor, _ auth.Credentials) fetch.Result {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxSeen {
		s.maxSeen = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.block[desc.Location] {
		<-ctx.Done()
		return fetch.Result{Descriptor: desc, Err: &fetch.Error{Kind: fetch.KindCanceled, URL: desc.Location, Err: ctx.Err()}}
	}

	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return fetch.Result{Descriptor: desc, Err: &fetch.Error{Kind: fetch.KindCanceled, URL: desc.Location, Err: ctx.Err()}}
	}

	if kind, ok := s.fail[desc.Location]; ok {
		return fetch.Result{
			Descriptor: desc,
			Attempts:   1,
			Err:        &fetch.Error{Kind: kind, URL: desc.Location, Authenticated: s.auth[desc.Location]},
		}
	}
	return fetch.Result{Descriptor: desc, Body: []byte(desc.Location), Attempts: 1}
}

func requests(n int) []Request {
	reqs := make([]Request, n)
	for i := range reqs {
		loc := fmt.Sprintf("https://example.com/r%d.md", i)
		reqs[i] = Request{Descriptor: source.DescriptorFor(loc), Label: fmt.Sprintf("r%d", i)}
	}
	return reqs
}

func TestRun_ToleratesOptionalNotFound(t *testing.T) {
	reqs := requests(8)
	f := &stubFetcher{
		delay: time.Millisecond,
		fail:  map[string]fetch.Kind{reqs[5].Descriptor.Location: fetch.KindNotFound},
	}

	report, err := Run(context.Background(), f, reqs, auth.Credentials{}, Options{Concurrency: 3})

	require.NoError(t, err)
	require.Len(t, report.Items, 8)
	assert.Len(t, report.Succeeded(), 7)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "r5", report.Failed()[0].Request.Label)
	assert.Equal(t, fetch.KindNotFound, report.Failed()[0].Result.Err.Kind)
	assert.Len(t, report.OptionalFailures(), 1)

	for i, it := range report.Items {
		assert.Equal(t, reqs[i].Descriptor.Location, it.Result.Descriptor.Location, "result stored at input index")
	}
}

func TestRun_RespectsConcurrencyLimit(t *testing.T) {
	f := &stubFetcher{delay: 5 * time.Millisecond}

	_, err := Run(context.Background(), f, requests(20), auth.Credentials{}, Options{Concurrency: 4})

	require.NoError(t, err)
	assert.LessOrEqual(t, f.maxSeen, 4)
	assert.Greater(t, f.maxSeen, 1)
}

func TestRun_RequiredFailureCancelsBatch(t *testing.T) {
	reqs := requests(4)
	reqs[0].Required = true
	f := &stubFetcher{
		fail: map[string]fetch.Kind{reqs[0].Descriptor.Location: fetch.KindTransient},
		block: map[string]bool{
			reqs[1].Descriptor.Location: true,
			reqs[2].Descriptor.Location: true,
			reqs[3].Descriptor.Location: true,
		},
	}

	report, err := Run(context.Background(), f, reqs, auth.Credentials{}, Options{Concurrency: 4})

	var fatalErr *FatalError
	require.ErrorAs(t, err, &fatalErr)
	assert.Equal(t, "r0", fatalErr.Label)
	assert.ErrorIs(t, err, fetch.ErrTransient)
	assert.Len(t, report.Canceled(), 3)
	for _, it := range report.Items {
		assert.NotNil(t, it.Result.Err, "every item reaches a terminal result")
	}
}

func TestRun_RejectedCredentialsAreFatal(t *testing.T) {
	reqs := requests(3)
	loc := reqs[2].Descriptor.Location
	f := &stubFetcher{
		fail: map[string]fetch.Kind{loc: fetch.KindAuth},
		auth: map[string]bool{loc: true},
	}

	_, err := Run(context.Background(), f, reqs, auth.Credentials{}, Options{Concurrency: 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, fetch.ErrAuth)
}

func TestRun_AnonymousAuthFailureOnOptionalIsTolerated(t *testing.T) {
	reqs := requests(3)
	f := &stubFetcher{fail: map[string]fetch.Kind{reqs[1].Descriptor.Location: fetch.KindAuth}}

	report, err := Run(context.Background(), f, reqs, auth.Credentials{}, Options{})

	require.NoError(t, err)
	assert.Len(t, report.Failed(), 1)
}

func TestRun_OnResultSeesEveryItem(t *testing.T) {
	var calls atomic.Int32
	seen := map[int]bool{}

	_, err := Run(context.Background(), &stubFetcher{}, requests(10), auth.Credentials{}, Options{
		Concurrency: 5,
		OnResult: func(idx int, _ Item) {
			calls.Add(1)
			seen[idx] = true
		},
	})

	require.NoError(t, err)
	assert.Equal(t, int32(10), calls.Load())
	assert.Len(t, seen, 10)
}

func TestRun_ParentCancellation(t *testing.T) {
	reqs := requests(2)
	f := &stubFetcher{block: map[string]bool{
		reqs[0].Descriptor.Location: true,
		reqs[1].Descriptor.Location: true,
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	report, err := Run(ctx, f, reqs, auth.Credentials{}, Options{})

	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Len(t, report.Canceled(), 2)
}

func TestRun_EmptyBatch(t *testing.T) {
	report, err := Run(context.Background(), &stubFetcher{}, nil, auth.Credentials{}, Options{})

	require.NoError(t, err)
	assert.Empty(t, report.Items)
}

func TestRun_WithRealFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/missing.md") {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	var reqs []Request
	for _, name := range []string{"a.md", "b.md", "missing.md", "c.md", "d.md"} {
		reqs = append(reqs, Request{Descriptor: source.DescriptorFor(srv.URL + "/" + name), Label: name})
	}

	f := fetch.New(fetch.WithOptions(fetch.Options{MaxAttempts: 2, BaseDelay: time.Millisecond}))
	report, err := Run(context.Background(), f, reqs, auth.Credentials{}, Options{Concurrency: 2, Throttle: fetch.NewThrottle()})

	require.NoError(t, err)
	assert.Len(t, report.Succeeded(), 4)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "missing.md", report.Failed()[0].Request.Label)
	assert.Equal(t, "/c.md", string(report.Items[3].Result.Body))
}

// steppingClock jumps forward by whatever duration a waiter asks for.
type steppingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *steppingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

func TestRun_RateLimitDelaysOtherWorkers(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &steppingClock{now: start}
	throttle := fetch.NewThrottle(fetch.WithClock(clock), fetch.WithPenaltyWindow(time.Second, 8*time.Second))

	var mu sync.Mutex
	arrivals := map[string][]time.Time{}
	var penaltiesSeenByB atomic.Int32
	bSawPenalty := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrivals[r.URL.Path] = append(arrivals[r.URL.Path], clock.Now())
		first := len(arrivals[r.URL.Path]) == 1
		mu.Unlock()

		switch r.URL.Path {
		case "/a.md":
			if first {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			// The retry must not relax the throttle before b has looked.
			select {
			case <-bSawPenalty:
			case <-time.After(2 * time.Second):
			}
		case "/b.md":
			// Hold the second worker until the first one has been limited.
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if n := throttle.Penalties(); n > 0 {
					penaltiesSeenByB.Store(int32(n))
					break
				}
				time.Sleep(time.Millisecond)
			}
			close(bSawPenalty)
		}
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	defer srv.Close()

	var reqs []Request
	for _, name := range []string{"a.md", "b.md", "c.md", "d.md"} {
		reqs = append(reqs, Request{Descriptor: source.DescriptorFor(srv.URL + "/" + name), Label: name})
	}

	f := fetch.New(
		fetch.WithThrottle(throttle),
		fetch.WithOptions(fetch.Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}),
	)
	report, err := Run(context.Background(), f, reqs, auth.Credentials{}, Options{Concurrency: 2, Throttle: throttle})

	require.NoError(t, err)
	assert.Len(t, report.Succeeded(), 4)
	assert.Equal(t, 2, report.Items[0].Result.Attempts)

	window := start.Add(time.Second)
	assert.Equal(t, int32(1), penaltiesSeenByB.Load())
	assert.Equal(t, window, throttle.BlockedUntil())
	assert.Equal(t, 0, throttle.Penalties())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, start, arrivals["/a.md"][0])
	assert.Equal(t, start, arrivals["/b.md"][0])
	assert.False(t, arrivals["/a.md"][1].Before(window))
	for _, path := range []string{"/c.md", "/d.md"} {
		require.Len(t, arrivals[path], 1)
		assert.False(t, arrivals[path][0].Before(window), "%s dispatched at %s", path, arrivals[path][0])
	}
}

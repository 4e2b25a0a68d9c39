// Package batch fetches many independent resources on a bounded worker
// pool.
//
// Every request ends with a terminal result stored at its input index, so
// completion order never matters to callers. A failed required resource, or
// credentials the provider rejected, cancels the rest of the batch; optional
// failures are collected and never cancel anything.
package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/CliForge/envforge/pkg/auth"
	"github.com/CliForge/envforge/pkg/fetch"
	"github.com/CliForge/envforge/pkg/source"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency is the worker pool size when none is configured.
const DefaultConcurrency = 6

// Fetcher fetches a single resource.
type Fetcher interface {
	Fetch(ctx context.Context, desc source.Descriptor, creds auth.Credentials) fetch.Result
}

// Request is one resource to fetch.
type Request struct {
	Descriptor source.Descriptor
	// Required marks resources whose failure aborts the run.
	Required bool
	// Label identifies the resource in reports, e.g. "agents/reviewer.md".
	Label string
}

// Item pairs a request with its terminal result.
type Item struct {
	Request Request
	Result  fetch.Result
}

// Options configures a batch run.
type Options struct {
	Concurrency int
	// Throttle is consulted before each dispatch.
	Throttle *fetch.Throttle
	// OnResult is called once per request as it completes. Calls are
	// serialized.
	OnResult func(index int, item Item)
}

// FatalError aborts a batch.
type FatalError struct {
	Label string
	Err   *fetch.Error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Label, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Report holds one item per request, in input order.
type Report struct {
	Items []Item
}

// Succeeded returns the items that produced a body.
func (r Report) Succeeded() []Item {
	return r.filter(func(it Item) bool { return it.Result.OK() })
}

// Failed returns every failed item.
func (r Report) Failed() []Item {
	return r.filter(func(it Item) bool { return !it.Result.OK() })
}

// OptionalFailures returns failed items that were not required.
func (r Report) OptionalFailures() []Item {
	return r.filter(func(it Item) bool { return !it.Result.OK() && !it.Request.Required })
}

// Canceled returns items abandoned because the batch was canceled.
func (r Report) Canceled() []Item {
	return r.filter(func(it Item) bool {
		return it.Result.Err != nil && it.Result.Err.Kind == fetch.KindCanceled
	})
}

func (r Report) filter(keep func(Item) bool) []Item {
	var out []Item
	for _, it := range r.Items {
		if keep(it) {
			out = append(out, it)
		}
	}
	return out
}

// Run fetches every request. The report is always complete; the error is
// non-nil only for fatal conditions (a *FatalError) or when ctx itself was
// canceled.
func Run(ctx context.Context, f Fetcher, reqs []Request, creds auth.Credentials, opts Options) (Report, error) {
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	items := make([]Item, len(reqs))
	for i := range reqs {
		items[i].Request = reqs[i]
	}

	var mu sync.Mutex
	record := func(idx int, res fetch.Result) {
		mu.Lock()
		defer mu.Unlock()
		items[idx].Result = res
		if opts.OnResult != nil {
			opts.OnResult(idx, items[idx])
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(limit)

	for idx := range reqs {
		idx := idx
		req := reqs[idx]
		group.Go(func() error {
			if err := opts.Throttle.Wait(groupCtx); err != nil {
				record(idx, canceled(req, err))
				return nil
			}

			res := f.Fetch(groupCtx, req.Descriptor, creds)
			if !res.OK() && groupCtx.Err() != nil && res.Err.Kind != fetch.KindCanceled && res.Err.Retryable() {
				res.Err = &fetch.Error{Kind: fetch.KindCanceled, URL: req.Descriptor.Location, Attempts: res.Attempts, Err: groupCtx.Err()}
			}
			record(idx, res)

			if fatal(req, res) {
				return &FatalError{Label: label(req), Err: res.Err}
			}
			return nil
		})
	}

	err := group.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return Report{Items: items}, err
}

func fatal(req Request, res fetch.Result) bool {
	if res.OK() || res.Err.Kind == fetch.KindCanceled {
		return false
	}
	return req.Required || res.Err.CredentialsRejected()
}

func canceled(req Request, err error) fetch.Result {
	return fetch.Result{
		Descriptor: req.Descriptor,
		Err:        &fetch.Error{Kind: fetch.KindCanceled, URL: req.Descriptor.Location, Err: err},
	}
}

func label(req Request) string {
	if req.Label != "" {
		return req.Label
	}
	return req.Descriptor.Location
}

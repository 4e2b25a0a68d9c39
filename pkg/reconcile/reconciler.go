package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CliForge/envforge/pkg/config"
	"github.com/CliForge/envforge/pkg/logger"
)

// ReconciliationError reports the scopes an integration could not be
// removed from or added to.
type ReconciliationError struct {
	Name   string
	Op     string
	Scopes []config.Scope
	Err    error
}

func (e *ReconciliationError) Error() string {
	scopes := make([]string, len(e.Scopes))
	for i, s := range e.Scopes {
		scopes[i] = string(s)
	}
	return fmt.Sprintf("%s %s in scope %s: %v", e.Op, e.Name, strings.Join(scopes, ","), e.Err)
}

func (e *ReconciliationError) Unwrap() error {
	return e.Err
}

// Outcome records what reconciliation did for one integration.
type Outcome struct {
	Name    string         `json:"name"`
	Prior   State          `json:"prior"`
	Final   State          `json:"final"`
	Removed []config.Scope `json:"removed,omitempty"`
	Added   []config.Scope `json:"added,omitempty"`
	Retired bool           `json:"retired,omitempty"`
	Err     error          `json:"-"`
}

// Failed reports whether any registry mutation failed.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Reconciler applies desired integrations to a Registry. It is not safe for
// concurrent use.
type Reconciler struct {
	registry Registry
}

// New creates a reconciler over registry.
func New(registry Registry) *Reconciler {
	return &Reconciler{registry: registry}
}

// Reconcile removes every desired integration from every scope holding it
// and registers it in its target scopes. Retired names are removed
// everywhere. Failures are recorded per outcome and never stop the batch.
func (r *Reconciler) Reconcile(ctx context.Context, desired []config.Integration, retired []string) []Outcome {
	log := logger.FromContext(ctx)

	snapshot, err := r.registry.List(ctx)
	listed := err == nil
	if !listed {
		log.Warn("could not list registrations, removing from every scope", "error", err)
	}

	outcomes := make([]Outcome, 0, len(desired)+len(retired))
	for _, in := range desired {
		outcomes = append(outcomes, r.apply(ctx, snapshot, listed, in))
	}

	wanted := map[string]bool{}
	for _, in := range desired {
		wanted[in.Name] = true
	}
	for _, name := range retired {
		if wanted[name] {
			continue
		}
		outcomes = append(outcomes, r.retire(ctx, snapshot, listed, name))
	}
	return outcomes
}

func (r *Reconciler) apply(ctx context.Context, snapshot Registrations, listed bool, in config.Integration) Outcome {
	log := logger.FromContext(ctx).With("integration", in.Name)
	o := Outcome{Name: in.Name}

	failed, errs := r.removeEverywhere(ctx, snapshot, listed, in.Name, &o)
	if len(failed) > 0 {
		o.Err = &ReconciliationError{Name: in.Name, Op: "remove", Scopes: failed, Err: errors.Join(errs...)}
		o.Final = KnownState(failed...)
		log.Error("removal failed, not registering", "scopes", failed, "error", o.Err)
		return o
	}
	var addFailed []config.Scope
	var addErrs []error
	for _, scope := range in.Scopes {
		if err := r.registry.Register(ctx, scope, in); err != nil {
			addFailed = append(addFailed, scope)
			addErrs = append(addErrs, fmt.Errorf("%s: %w", scope, err))
			continue
		}
		o.Added = append(o.Added, scope)
	}
	o.Final = KnownState(o.Added...)
	if len(addFailed) > 0 {
		o.Err = &ReconciliationError{Name: in.Name, Op: "add", Scopes: addFailed, Err: errors.Join(addErrs...)}
		log.Error("registration failed", "scopes", addFailed, "error", o.Err)
		return o
	}

	log.Debug("integration reconciled", "prior", o.Prior.String(), "final", o.Final.String())
	return o
}

func (r *Reconciler) retire(ctx context.Context, snapshot Registrations, listed bool, name string) Outcome {
	o := Outcome{Name: name, Retired: true}
	failed, errs := r.removeEverywhere(ctx, snapshot, listed, name, &o)
	o.Final = KnownState(failed...)
	if len(failed) > 0 {
		o.Err = &ReconciliationError{Name: name, Op: "remove", Scopes: failed, Err: errors.Join(errs...)}
		logger.FromContext(ctx).Error("retired integration removal failed", "integration", name, "error", o.Err)
	}
	return o
}

// removeEverywhere removes name from each scope that may hold it and returns
// the scopes where removal failed. Without a snapshot every scope is tried
// and the prior state is inferred from the removals. ErrNotRegistered counts
// as success.
func (r *Reconciler) removeEverywhere(ctx context.Context, snapshot Registrations, listed bool, name string, o *Outcome) ([]config.Scope, []error) {
	candidates := config.AllScopes
	if listed {
		candidates = snapshot.ScopesOf(name)
		o.Prior = KnownState(candidates...)
	}

	var failed []config.Scope
	var errs []error
	for _, scope := range candidates {
		err := r.registry.Remove(ctx, scope, name)
		switch {
		case err == nil:
			o.Removed = append(o.Removed, scope)
		case errors.Is(err, ErrNotRegistered):
		default:
			failed = append(failed, scope)
			errs = append(errs, fmt.Errorf("%s: %w", scope, err))
		}
	}
	if !listed {
		o.Prior = KnownState(append(append([]config.Scope(nil), o.Removed...), failed...)...)
	}
	return failed, errs
}

// Summary counts outcomes by result.
func Summary(outcomes []Outcome) (ok, failed int) {
	for _, o := range outcomes {
		if o.Failed() {
			failed++
		} else {
			ok++
		}
	}
	return ok, failed
}

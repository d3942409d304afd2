package precache

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// State is a lifecycle state of the worker.
type State string

const (
	// StateParsed is a new worker, or one whose install failed.
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	// StateActivated workers control requests.
	StateActivated State = "activated"
)

var states = []State{StateParsed, StateInstalling, StateInstalled, StateActivating, StateActivated}

func (w *Worker) State() State {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.state
}

// transition moves to the next state if the current one is allowed.
func (w *Worker) transition(next State, allowed ...State) (State, error) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	for _, s := range allowed {
		if w.state == s {
			prev := w.state
			w.state = next
			w.metrics.setState(next)
			return prev, nil
		}
	}
	return w.state, fmt.Errorf("%w: %s -> %s", ErrInvalidState, w.state, next)
}

func (w *Worker) setState(state State, c *Cache) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.state = state
	if c != nil {
		w.cache = c
	}
	w.metrics.setState(state)
}

// controllingCache returns the cache once the worker is activated.
func (w *Worker) controllingCache() *Cache {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	if w.state != StateActivated {
		return nil
	}
	return w.cache
}

// Install opens the cache generation and precaches the manifest.
// A failed install leaves the worker parsed, so it can be retried.
// Errors from precaching are *PrecacheError.
func (w *Worker) Install(ctx context.Context) (err error) {
	ctx, span := w.tracer.Start(ctx, "precache.install", trace.WithAttributes(
		attribute.String("cache.name", w.cacheName),
		attribute.Int("manifest.size", len(w.manifest)),
	))
	defer span.End()
	defer func() { w.metrics.observeLifecycle("install", err) }()

	prev, err := w.transition(StateInstalling, StateParsed, StateInstalled)
	if err != nil {
		return err
	}
	ctx = w.log.WithContext(ctx)
	w.log.Info().Int("manifest", len(w.manifest)).Msg("Installing")

	c, err := w.install(ctx)
	if err != nil {
		if prev == StateInstalled {
			w.setState(StateInstalled, nil)
		} else {
			w.setState(StateParsed, nil)
		}
		span.SetStatus(codes.Error, err.Error())
		w.log.Error().Err(err).Msg("Install failed")
		return fmt.Errorf("install: %w", err)
	}
	w.setState(StateInstalled, c)
	w.log.Info().Msg("Installed")
	return nil
}

func (w *Worker) install(ctx context.Context) (*Cache, error) {
	fetcher := w.getFetcher()
	if fetcher == nil {
		return nil, fmt.Errorf("%w: no fetcher configured", ErrInvalidConfig)
	}
	c, err := OpenCache(ctx, w.provider, w.cacheName, w.keyer)
	if err != nil {
		return nil, err
	}
	if err := populate(ctx, c, fetcher, w.manifest, w.concurrency); err != nil {
		return nil, err
	}
	return c, nil
}

// Activate removes stale entries and starts controlling requests.
// Activating again re-runs the removal.
// A failed reconciliation is logged and activation still completes;
// only calling Activate before a successful Install is an error.
func (w *Worker) Activate(ctx context.Context) error {
	ctx, span := w.tracer.Start(ctx, "precache.activate", trace.WithAttributes(
		attribute.String("cache.name", w.cacheName),
	))
	defer span.End()

	// an activated worker keeps controlling requests while it reconciles again
	if current, err := w.transition(StateActivating, StateInstalled); err != nil && current != StateActivated {
		if current == StateParsed || current == StateInstalling {
			err = ErrNotInstalled
		}
		w.metrics.observeLifecycle("activate", err)
		return err
	}
	ctx = w.log.WithContext(ctx)
	w.log.Info().Msg("Activating")

	w.mutex.RLock()
	c := w.cache
	w.mutex.RUnlock()

	err := Reconcile(ctx, c, w.manifest)
	w.metrics.observeLifecycle("activate", err)
	if err != nil {
		span.RecordError(err)
		w.log.Error().Err(err).Msg("Could not remove stale entries")
	}
	w.setState(StateActivated, nil)
	w.log.Info().Msg("Activated")
	return nil
}

// Start installs and then activates the worker.
func (w *Worker) Start(ctx context.Context) error {
	if err := w.Install(ctx); err != nil {
		return err
	}
	return w.Activate(ctx)
}

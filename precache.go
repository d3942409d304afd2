// Package precache is an offline-first request cache.
//
// A Worker sits in front of the network (a remote origin or an http.Handler).
// On Install it stores a fixed manifest of resources under a named cache
// generation, on Activate it drops everything the manifest no longer names,
// and once active it answers GET requests from the cache first, filling the
// cache from the network on a miss and answering 503 when both fail.
package precache

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/precache/cache"
	cachekey "github.com/always-cache/precache/pkg/cache-key"
	"github.com/always-cache/precache/rfc9211"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/always-cache/precache"

type Config struct {
	// Name of the cache generation.
	// Changing it leaves every entry stored under the previous name behind.
	CacheName string
	// Resources (paths or absolute URLs) to precache on install
	// and to keep on activation.
	Manifest []string
	// Storage for cache generations.
	Provider cache.Provider
	// Network access. If nil, Middleware sets it.
	Fetcher Fetcher
	// Scope resolves relative manifest entries and request URLs.
	// Usually this is the origin URL.
	Scope *url.URL
	// Maximum number of simultaneous precache fetches.
	Concurrency int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Registerer for the worker metrics. Metrics are not registered if nil.
	Registerer prometheus.Registerer
}

// Validate checks the configuration. Errors wrap ErrInvalidConfig.
func (c Config) Validate() error {
	if c.CacheName == "" {
		return fmt.Errorf("%w: cache name is empty", ErrInvalidConfig)
	}
	if c.Provider == nil {
		return fmt.Errorf("%w: no cache provider", ErrInvalidConfig)
	}
	seen := make(map[string]bool, len(c.Manifest))
	for _, entry := range c.Manifest {
		if seen[entry] {
			return fmt.Errorf("%w: duplicate manifest entry %q", ErrInvalidConfig, entry)
		}
		seen[entry] = true
		if _, err := url.Parse(entry); err != nil {
			return fmt.Errorf("%w: manifest entry %q: %v", ErrInvalidConfig, entry, err)
		}
	}
	return nil
}

type Worker struct {
	cacheName   string
	manifest    []string
	provider    cache.Provider
	keyer       cachekey.CacheKeyer
	concurrency int
	log         zerolog.Logger
	metrics     *Metrics
	tracer      trace.Tracer

	mutex   sync.RWMutex
	fetcher Fetcher
	state   State
	cache   *Cache
}

// New creates a worker in the parsed state.
// Nothing is fetched or stored until Install.
func New(config Config) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Logger()
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("cache", config.CacheName).
		Str("worker", uuid.NewString()).
		Logger()

	w := &Worker{
		cacheName:   config.CacheName,
		manifest:    append([]string(nil), config.Manifest...),
		provider:    config.Provider,
		keyer:       cachekey.NewCacheKeyer(config.Scope),
		concurrency: config.Concurrency,
		log:         logger,
		metrics:     NewMetrics(config.Registerer),
		tracer:      otel.Tracer(tracerName),
		fetcher:     config.Fetcher,
		state:       StateParsed,
	}
	w.metrics.setState(StateParsed)
	return w, nil
}

// Middleware makes next the network of the worker and returns the worker.
// Call it before Install.
func (w *Worker) Middleware(next http.Handler) http.Handler {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.fetcher = HandlerFetcher{Handler: next}
	return w
}

func (w *Worker) getFetcher() Fetcher {
	w.mutex.RLock()
	defer w.mutex.RUnlock()
	return w.fetcher
}

// ServeHTTP implements the http.Handler interface.
// Every request is answered: from the cache, from the network, or with the
// degraded response.
// Absolute-form request targets are served as their path within the scope.
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	r = originForm(r)
	defer w.recover(rw, r)
	w.handle(rw, r)
}

// originForm drops the scheme and authority of the request target.
func originForm(r *http.Request) *http.Request {
	if !r.URL.IsAbs() && r.URL.Host == "" {
		return r
	}
	r2 := r.Clone(r.Context())
	r2.URL.Scheme = ""
	r2.URL.Host = ""
	r2.URL.User = nil
	return r2
}

// recover recovers from panics and sends the response to the escape hatch if needed.
func (w *Worker) recover(rw http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		w.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		w.escapeHatch(rw, r)
	}
}

// escapeHatch is a fallback handler that just sends the request to the network.
func (w *Worker) escapeHatch(rw http.ResponseWriter, r *http.Request) {
	fetcher := w.getFetcher()
	if fetcher == nil {
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	res, err := fetcher.Fetch(r.Context(), r)
	if err != nil {
		w.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	if err := send(rw, res, ""); err != nil {
		w.log.Error().Err(err).Msg("Error writing to client")
	}
}

// handle is the main entry point for intercepted requests.
func (w *Worker) handle(rw http.ResponseWriter, r *http.Request) {
	start := time.Now()
	log := w.requestLogger(r)
	ctx := log.WithContext(r.Context())
	ctx, span := w.tracer.Start(ctx, "precache.intercept", trace.WithAttributes(
		attribute.String("http.method", r.Method),
		attribute.String("url.full", w.keyer.URL(r)),
	))
	defer span.End()

	log.Trace().Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	var (
		res *http.Response
		cs  rfc9211.CacheStatus
		err error
	)
	fetcher := w.getFetcher()
	if fetcher == nil {
		err = fmt.Errorf("%w: no fetcher configured", ErrInvalidConfig)
	} else if c := w.controllingCache(); c == nil {
		// not active yet: the worker does not control requests
		cs.Forward(rfc9211.FwdReasonBypass)
		res, err = fetcher.Fetch(ctx, r)
	} else {
		res, cs, err = Resolve(ctx, c, fetcher, r)
	}
	span.SetAttributes(attribute.String("cache.status", cs.String()))

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		log.Error().Err(err).Msg("Error connecting to origin")
		rw.Header().Set("Cache-Status", cs.String())
		http.Error(rw, "Could not connect to origin", http.StatusBadGateway)
		w.metrics.observeRequest(cs, time.Since(start))
		return
	}

	if err := send(rw, res, cs.String()); err != nil {
		log.Error().Err(err).Msg("Could not write response body to client")
	}
	w.metrics.observeRequest(cs, time.Since(start))
	logRequest(log, r, res, cs)
}

// requestLogger returns the logger from the request context, with the worker's fields.
// If no logger is found, it will return the worker logger.
func (w *Worker) requestLogger(r *http.Request) zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		return w.log
	}
	return logger.With().Str("cache", w.cacheName).Logger()
}

// send writes the response to the client and closes its body.
func send(rw http.ResponseWriter, res *http.Response, cacheStatus string) error {
	defer res.Body.Close()
	copyHeader(rw.Header(), res.Header)
	if cacheStatus != "" {
		rw.Header().Add("Cache-Status", cacheStatus)
	}
	rw.WriteHeader(res.StatusCode)
	_, err := io.Copy(rw, res.Body)
	return err
}

func logRequest(log zerolog.Logger, r *http.Request, res *http.Response, cs rfc9211.CacheStatus) {
	isHit := 0
	if cs.Status == rfc9211.StatusHit {
		isHit = 1
	}
	log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("code", res.StatusCode).
		Str("status", string(cs.Status)).
		Str("fwd", string(cs.FwdReason)).
		Bool("stored", cs.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

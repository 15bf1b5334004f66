package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/accprom/acc-exporter/pkg/errlog"
	"github.com/accprom/acc-exporter/pkg/exposition"
	"github.com/accprom/acc-exporter/pkg/ratelimit"
	"github.com/accprom/acc-exporter/pkg/store"
)

const (
	bodyMethodNotAllowed = "405 Method Not Allowed"
	bodyNotFound         = "404 Not Found"
	bodyTooManyRequests  = "429 Too Many Requests"
	bodyInternalError    = "500 Internal Server Error: failed to read metrics"

	contentType = "text/plain; charset=utf-8"
)

// RowReader gives access to the newest row of the metrics table.
//
type RowReader interface {
	ReadLatest(ctx context.Context) (store.Row, error)
}

// Observer is notified about what the front end and the supervisor do.
//
type Observer interface {
	ObserveResponse(code int)
	ObserveExtraction(d time.Duration, failureKind string)
	ObserveRestart()
	ObserveState(state string)
}

type nopObserver struct{}

func (nopObserver) ObserveResponse(int)                     {}
func (nopObserver) ObserveExtraction(time.Duration, string) {}
func (nopObserver) ObserveRestart()                         {}
func (nopObserver) ObserveState(string)                     {}

// CountryMapper defines the signature of a function that given an IP,
// translates it into a country name.
//
//	f(ip) -> CN
//
type CountryMapper func(net.IP) (string, error)

// Handler serves the metrics document on a single path.
//
// Requests are rejected as early as possible: wrong method, then wrong path,
// then rate limiting. Only requests passing all three read the database.
//
type Handler struct {
	path      string
	reader    RowReader
	formatter *exposition.Formatter
	limiter   *ratelimit.Limiter

	// workers bounds how many requests read the database at once.
	//
	workers *semaphore.Weighted

	// countryMapper enriches security events with the client's country.
	//
	// optional: if nil, no country-mapping will take place.
	//
	countryMapper CountryMapper

	errLog   *errlog.Log
	observer Observer
	now      func() time.Time

	log         logr.Logger
	securityLog logr.Logger
}

// HandlerOption is a functional argument overriding Handler defaults.
//
type HandlerOption func(h *Handler)

// WithMetricsPath overrides the default `/metrics` path.
//
func WithMetricsPath(v string) HandlerOption {
	return func(h *Handler) {
		h.path = v
	}
}

func WithFormatter(v *exposition.Formatter) HandlerOption {
	return func(h *Handler) {
		h.formatter = v
	}
}

// WithWorkers bounds concurrent database reads to v, at least one.
//
func WithWorkers(v int) HandlerOption {
	if v < 1 {
		v = 1
	}

	return func(h *Handler) {
		h.workers = semaphore.NewWeighted(int64(v))
	}
}

func WithCountryMapper(v CountryMapper) HandlerOption {
	return func(h *Handler) {
		h.countryMapper = v
	}
}

func WithHandlerErrorLog(v *errlog.Log) HandlerOption {
	return func(h *Handler) {
		h.errLog = v
	}
}

func WithHandlerObserver(v Observer) HandlerOption {
	return func(h *Handler) {
		h.observer = v
	}
}

func WithClock(v func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.now = v
	}
}

func WithHandlerLogger(v logr.Logger) HandlerOption {
	return func(h *Handler) {
		h.log = v
	}
}

// NewHandler creates the front end for reader, admitting requests through
// limiter.
//
func NewHandler(
	reader RowReader, limiter *ratelimit.Limiter, opts ...HandlerOption,
) (*Handler, error) {
	defaultLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("zap new development: %w", err)
	}

	h := &Handler{
		path:      "/metrics",
		reader:    reader,
		formatter: exposition.NewFormatter(exposition.DefaultPrefix),
		limiter:   limiter,
		workers:   semaphore.NewWeighted(int64(runtime.NumCPU())),
		observer:  nopObserver{},
		now:       time.Now,
		log:       zapr.NewLogger(defaultLogger.Named("handler")),
	}

	for _, opt := range opts {
		opt(h)
	}

	h.securityLog = h.log.WithName("security")

	return h, nil
}

var _ http.Handler = (*Handler)(nil)

// ServeHTTP implements http.Handler.
//
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.respond(w, http.StatusMethodNotAllowed, []byte(bodyMethodNotAllowed))
		h.securityEvent(r, "method not allowed", "method", r.Method)
		return
	}

	if r.URL.Path != h.path {
		h.respond(w, http.StatusNotFound, []byte(bodyNotFound))
		h.securityEvent(r, "unknown path", "uri", r.URL.RequestURI())
		return
	}

	identity := ClientIdentity(r)
	if !h.limiter.Admit(identity, h.now()) {
		h.respond(w, http.StatusTooManyRequests, []byte(bodyTooManyRequests))
		h.securityEvent(r, "rate limit reached", "identity", identity)
		return
	}

	doc, err := h.scrape(r.Context())
	if err != nil {
		if r.Context().Err() != nil {
			h.log.V(1).Info("client went away", "err", err.Error())
		} else {
			h.log.Error(err, "scrape")
			h.errLog.Recordf("scrape: %v", err)
		}

		h.respond(w, http.StatusInternalServerError, []byte(bodyInternalError))
		return
	}

	h.respond(w, http.StatusOK, doc.Bytes())
}

// scrape runs the extraction pipeline: schema, newest row, rendering.
//
func (h *Handler) scrape(ctx context.Context) (exposition.Document, error) {
	if err := h.workers.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker: %w", err)
	}
	defer h.workers.Release(1)

	start := time.Now()

	row, err := h.reader.ReadLatest(ctx)
	h.observer.ObserveExtraction(time.Since(start), store.ErrorKind(err))
	if err != nil {
		return nil, fmt.Errorf("read latest: %w", err)
	}

	doc := h.formatter.Format(row)
	h.log.V(1).Info("document rendered", "lines", len(doc))

	return doc, nil
}

// respond writes a complete, non-chunked plain text response.
//
func (h *Handler) respond(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(code)

	if _, err := w.Write(body); err != nil {
		h.log.Error(err, "write response", "code", code)
	}

	h.observer.ObserveResponse(code)
}

func (h *Handler) securityEvent(r *http.Request, msg string, kv ...interface{}) {
	kv = append(kv, "remote", r.RemoteAddr)

	if h.countryMapper != nil {
		if country, err := h.country(r.RemoteAddr); err != nil {
			h.log.V(1).Info("country lookup", "err", err.Error())
		} else {
			kv = append(kv, "country", country)
		}
	}

	h.securityLog.Info(msg, kv...)
}

func (h *Handler) country(remoteAddr string) (string, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return "", fmt.Errorf("split host port '%s': %w", remoteAddr, err)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return "", fmt.Errorf("parse ip '%s'", host)
	}

	return h.countryMapper(ip)
}

// ClientIdentity is the rate limiting key of a request: the host it declared,
// or the shared unknown identity when it declared none.
//
// The declared host is chosen by the client, so a client can spread its
// requests over as many identities as it likes.
//
func ClientIdentity(r *http.Request) string {
	if r.Host == "" {
		return ratelimit.UnknownIdentity
	}

	return r.Host
}

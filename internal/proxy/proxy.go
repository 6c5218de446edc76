// Package proxy implements the caching reverse proxy in front of the
// generation backend. Each request runs the pipeline: eligibility gate,
// exact lookup, semantic lookup, origin forward with streamed response
// and detached background persistence.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/recallgate/recallgate/internal/background"
	"github.com/recallgate/recallgate/internal/cache/semantic"
	"github.com/recallgate/recallgate/internal/cache/store"
	"github.com/recallgate/recallgate/internal/canonical"
	"github.com/recallgate/recallgate/internal/eligibility"
	"github.com/recallgate/recallgate/internal/httputil"
	"github.com/recallgate/recallgate/internal/metrics"
	"github.com/recallgate/recallgate/internal/observability"
	"github.com/recallgate/recallgate/internal/prompt"
	"github.com/recallgate/recallgate/internal/streaming"
)

// Cache status header values.
const (
	HeaderCacheStatus = "X-Cache"
	HeaderCacheKey    = "X-Cache-Key"
	HeaderMatchedKey  = "X-Cache-Matched-Key"

	StatusHit         = "hit"
	StatusSemanticHit = "semantic-hit"
	StatusMiss        = "miss"
	StatusBypass      = "bypass"

	// BypassParam forces direct forwarding with no cache reads or writes.
	BypassParam = "no-cache"

	// hitCacheControl is forced on every cache hit regardless of what the
	// origin sent; admission already decided the response is immutable.
	hitCacheControl = "public, max-age=31536000, immutable"
)

// DefaultDenyPaths are never cacheable: listings and live feeds.
var DefaultDenyPaths = []string{"/v1/models", "/models", "/v1/realtime"}

// Config contains proxy settings.
type Config struct {
	OriginBaseURL         string
	ResponseHeaderTimeout time.Duration
	MaxIdleConns          int
	MaxRequestBodyBytes   int64
	RecentTurns           int
	DenyPaths             []string
}

// Proxy is the caching reverse proxy handler.
type Proxy struct {
	origin *url.URL
	client *http.Client

	store    *store.Store
	semantic *semantic.Cache // nil when semantic caching is disabled
	gate     *eligibility.Gate
	runner   *background.Runner
	tracer   trace.Tracer
	logger   *slog.Logger

	recentTurns int
	maxBody     int64
	denyPaths   map[string]struct{}
}

// New creates the proxy handler.
func New(cfg Config, st *store.Store, sem *semantic.Cache, gate *eligibility.Gate, runner *background.Runner, tracer trace.Tracer, logger *slog.Logger) (*Proxy, error) {
	origin, err := url.Parse(cfg.OriginBaseURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("origin base URL %q is not an absolute URL", cfg.OriginBaseURL)
	}
	if st == nil {
		return nil, fmt.Errorf("store is required")
	}
	if gate == nil {
		return nil, fmt.Errorf("eligibility gate is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("background runner is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(observability.TracerName)
	}
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = httputil.DefaultMaxRequestBodyBytes
	}
	if cfg.RecentTurns < 0 {
		cfg.RecentTurns = 0
	}
	if cfg.ResponseHeaderTimeout <= 0 {
		cfg.ResponseHeaderTimeout = 120 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}

	paths := cfg.DenyPaths
	if paths == nil {
		paths = DefaultDenyPaths
	}
	deny := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		deny[p] = struct{}{}
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return &Proxy{
		origin: origin,
		// No client timeout: streamed responses can run arbitrarily long.
		client:      &http.Client{Transport: transport},
		store:       st,
		semantic:    sem,
		gate:        gate,
		runner:      runner,
		tracer:      tracer,
		logger:      logger,
		recentTurns: cfg.RecentTurns,
		maxBody:     cfg.MaxRequestBodyBytes,
		denyPaths:   deny,
	}, nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeCORS(w.Header())
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if p.bypassed(r) {
		p.forward(w, r, forwardInput{cacheable: false})
		return
	}

	input, ok := p.prepare(w, r)
	if !ok {
		return // response already written
	}
	if input.key == "" {
		// Malformed JSON body: no body-derived key, forward uncached.
		p.forward(w, r, forwardInput{cacheable: false, rawBody: input.rawBody})
		return
	}

	logger := p.logger.With(
		"request_id", observability.RequestIDFromContext(r.Context()),
		"cache_key", input.key,
		"model", input.model,
	)

	if entry := p.exactLookup(r, input.key, input.model, logger); entry != nil {
		p.serveEntry(w, entry, StatusHit, input.key, "")
		metrics.RecordOutcome(metrics.OutcomeHit, input.model)
		logger.Info("exact cache hit", "size_bytes", entry.Size)
		return
	}

	if input.semanticAllowed && input.text != "" && p.semantic != nil {
		if entry, matched := p.semanticLookup(r, input, logger); entry != nil {
			p.serveEntry(w, entry, StatusSemanticHit, input.key, matched)
			metrics.RecordOutcome(metrics.OutcomeSemanticHit, input.model)
			logger.Info("semantic cache hit", "matched_key", matched)
			return
		}
	}

	input.cacheable = true
	p.forward(w, r, input)
}

// bypassed reports whether the request skips all cache logic.
func (p *Proxy) bypassed(r *http.Request) bool {
	if _, ok := p.denyPaths[r.URL.Path]; ok {
		return true
	}
	return r.URL.Query().Has(BypassParam)
}

// forwardInput carries everything computed before the origin call.
type forwardInput struct {
	key             string
	model           string
	text            string
	semanticAllowed bool
	cacheable       bool
	rawBody         []byte
}

// prepare buffers the request body, parses it and computes the cache key
// plus the semantic inputs. A false return means the response has been
// written. An empty key with a true return means the body could not be
// parsed and the request must be forwarded uncached.
func (p *Proxy) prepare(w http.ResponseWriter, r *http.Request) (forwardInput, bool) {
	var input forwardInput
	var bodyMap map[string]any

	if methodHasBody(r.Method) && r.Body != nil {
		raw, err := httputil.ReadLimitedBody(r.Body, p.maxBody)
		if err != nil {
			if err == httputil.ErrBodyTooLarge {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return input, false
			}
			http.Error(w, "failed to read request body", http.StatusBadRequest)
			return input, false
		}
		input.rawBody = raw

		if len(raw) > 0 {
			parsed, ok := canonical.ParseBody(raw)
			if !ok {
				return input, true // key stays empty, forward uncached
			}
			bodyMap = parsed
		}
	}

	input.key = canonical.Key(r.URL.Path, r.URL.Query(), bodyMap)
	input.model = prompt.ModelName(bodyMap)
	input.text = prompt.SemanticText(bodyMap, p.recentTurns)

	decision := p.gate.Check(bearerToken(r))
	input.semanticAllowed = decision.Eligible
	if !decision.Eligible {
		p.logger.Debug("semantic caching not permitted", "reason", decision.Reason)
	}

	return input, true
}

func (p *Proxy) exactLookup(r *http.Request, key, model string, logger *slog.Logger) *store.Entry {
	ctx, span := observability.StartCacheSpan(r.Context(), p.tracer, "exact_lookup", model)
	defer span.End()

	start := time.Now()
	entry, err := p.store.Get(ctx, key)
	metrics.LookupDuration.WithLabelValues("exact").Observe(time.Since(start).Seconds())

	if err != nil {
		// Fail open: a broken store degrades to a miss.
		observability.RecordError(span, err)
		logger.Warn("exact lookup failed, treating as miss", "error", err)
		return nil
	}
	return entry
}

func (p *Proxy) semanticLookup(r *http.Request, input forwardInput, logger *slog.Logger) (*store.Entry, string) {
	ctx, span := observability.StartCacheSpan(r.Context(), p.tracer, "semantic_lookup", input.model)
	defer span.End()

	start := time.Now()
	match := p.semantic.Lookup(ctx, input.text, input.model)
	metrics.LookupDuration.WithLabelValues("semantic").Observe(time.Since(start).Seconds())

	if match == nil {
		return nil, ""
	}
	metrics.SemanticSimilarity.Observe(match.Similarity)

	entry, err := p.store.Get(ctx, match.Key)
	if err != nil {
		observability.RecordError(span, err)
		logger.Warn("matched entry fetch failed, treating as miss", "matched_key", match.Key, "error", err)
		return nil, ""
	}
	if entry == nil {
		// Vector points at an entry the store no longer has.
		logger.Warn("semantic match has no stored entry", "matched_key", match.Key)
		return nil, ""
	}
	return entry, match.Key
}

// forward proxies the request to the origin, streams the response to the
// client and, for cacheable responses, dispatches detached persistence.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, input forwardInput) {
	ctx, span := observability.StartCacheSpan(r.Context(), p.tracer, "forward", input.model)
	defer span.End()

	outReq, err := p.originRequest(r, input.rawBody)
	if err != nil {
		observability.RecordError(span, err)
		p.writeBackendError(w, err)
		return
	}

	// A cacheable response is drained by the detached persist task, so its
	// origin stream must survive a client disconnect.
	originCtx := ctx
	if input.cacheable {
		originCtx = context.WithoutCancel(ctx)
	}

	start := time.Now()
	resp, err := p.client.Do(outReq.WithContext(originCtx))
	metrics.OriginDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RecordError(span, err)
		metrics.RecordOutcome(metrics.OutcomeError, input.model)
		p.logger.Error("origin unreachable", "error", err, "path", r.URL.Path)
		p.writeBackendError(w, err)
		return
	}
	defer resp.Body.Close()

	cacheable := input.cacheable &&
		resp.StatusCode >= 200 && resp.StatusCode < 300 &&
		isCacheableContentType(resp.Header.Get("Content-Type"))

	copyOriginHeaders(w.Header(), resp)
	if input.cacheable {
		w.Header().Set(HeaderCacheStatus, StatusMiss)
		if cacheable {
			w.Header().Set(HeaderCacheKey, input.key)
		}
		metrics.RecordOutcome(metrics.OutcomeMiss, input.model)
	} else {
		w.Header().Set(HeaderCacheStatus, StatusBypass)
		metrics.RecordOutcome(metrics.OutcomeBypass, input.model)
	}

	if !cacheable {
		w.WriteHeader(resp.StatusCode)
		streamCopy(w, resp.Body)
		return
	}

	clientReader, cacheReader := streaming.NewTee(resp.Body)
	defer clientReader.Close()

	meta := store.ResponseMeta{
		ContentType: resp.Header.Get("Content-Type"),
		Streamed:    isEventStream(resp.Header.Get("Content-Type")),
		Header:      w.Header().Clone(),
	}
	reqCtx := requestContext(r)
	p.dispatchPersist(input, meta, reqCtx, cacheReader)

	w.WriteHeader(resp.StatusCode)
	streamCopy(w, clientReader)
}

// dispatchPersist runs the store write and the eligible embedding upsert
// as one detached task. The cache reader owns its own copy of the stream,
// so a client disconnect never interrupts the write.
func (p *Proxy) dispatchPersist(input forwardInput, meta store.ResponseMeta, reqCtx store.RequestContext, body io.Reader) {
	p.runner.Go("persist "+input.key, func(ctx context.Context) {
		counted := &countingReader{r: body}

		var err error
		if meta.Streamed {
			err = p.store.PutStreaming(ctx, counted, input.key, meta, reqCtx)
		} else {
			var buffered []byte
			if buffered, err = io.ReadAll(counted); err == nil {
				err = p.store.Put(ctx, input.key, buffered, meta, reqCtx)
			}
		}
		if err != nil {
			metrics.PersistTotal.WithLabelValues("error").Inc()
			p.logger.Warn("cache persist failed", "cache_key", input.key, "error", err)
			return
		}
		metrics.PersistTotal.WithLabelValues("ok").Inc()
		metrics.PersistBytes.Observe(float64(counted.n))

		if input.semanticAllowed && input.text != "" && p.semantic != nil {
			p.semantic.Store(ctx, input.key, input.text, input.model)
		}
	})
}

// originRequest rebuilds the inbound request against the origin host with
// the path and query preserved verbatim.
func (p *Proxy) originRequest(r *http.Request, body []byte) (*http.Request, error) {
	target := *r.URL
	target.Scheme = p.origin.Scheme
	target.Host = p.origin.Host
	if p.origin.Path != "" && p.origin.Path != "/" {
		target.Path = strings.TrimSuffix(p.origin.Path, "/") + r.URL.Path
	}

	var reader io.Reader
	if methodHasBody(r.Method) {
		if body != nil {
			reader = bytes.NewReader(body)
		} else if r.Body != nil {
			reader = r.Body
		}
	}

	outReq, err := http.NewRequest(r.Method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build origin request: %w", err)
	}

	outReq.Header = r.Header.Clone()
	for _, h := range hopByHopHeaders {
		outReq.Header.Del(h)
	}
	outReq.Host = p.origin.Host
	if body != nil {
		outReq.ContentLength = int64(len(body))
	}

	return outReq, nil
}

// serveEntry writes a cached entry as the response.
func (p *Proxy) serveEntry(w http.ResponseWriter, entry *store.Entry, status, key, matchedKey string) {
	h := w.Header()
	for name, values := range entry.Header {
		for _, v := range values {
			h.Add(name, v)
		}
	}
	h.Set("Content-Type", entry.ContentType)
	h.Set("Cache-Control", hitCacheControl)
	h.Set(HeaderCacheStatus, status)
	h.Set(HeaderCacheKey, key)
	if matchedKey != "" {
		h.Set(HeaderMatchedKey, matchedKey)
	}
	writeCORS(h)

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(entry.Body)
}

// backendError is the 502 body returned when the origin is unreachable.
type backendError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Stack   string `json:"stack"`
}

func (p *Proxy) writeBackendError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(backendError{
		Error:   "bad_gateway",
		Message: err.Error(),
		Stack:   string(debug.Stack()),
	})
}

// countingReader tracks how many bytes the persist task drained.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func writeCORS(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
}

func copyOriginHeaders(dst http.Header, resp *http.Response) {
	for name, values := range resp.Header {
		for _, v := range values {
			dst.Add(name, v)
		}
	}
	if resp.Uncompressed {
		// The transport decompressed the body; the advertised encoding
		// and length no longer apply.
		dst.Del("Content-Encoding")
		dst.Del("Content-Length")
	}
}

// streamCopy copies src to the client, flushing after each chunk so
// event streams are delivered as they arrive.
func streamCopy(w http.ResponseWriter, src io.Reader) {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func methodHasBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

func isCacheableContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.HasPrefix(ct, "text/") || strings.Contains(ct, "json")
}

func isEventStream(ct string) bool {
	return strings.HasPrefix(strings.ToLower(ct), "text/event-stream")
}

func requestContext(r *http.Request) store.RequestContext {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		if idx := strings.IndexByte(ip, ','); idx >= 0 {
			ip = ip[:idx]
		}
		ip = strings.TrimSpace(ip)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}

	return store.RequestContext{
		ClientIP:         ip,
		UserAgent:        r.Header.Get("User-Agent"),
		Referer:          r.Header.Get("Referer"),
		ProviderMetadata: r.Header.Get("X-Provider-Metadata"),
	}
}

// Package orchestrator implements the coordination core: classify the
// request, fan out to candidate agents through the resilience pipeline
// (rate limiter, circuit breaker, transport), merge branch outcomes
// deterministically and stream the winning response.
package orchestrator

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/270aldo/ngx-orchestrator/internal/a2a"
	"github.com/270aldo/ngx-orchestrator/internal/breaker"
	"github.com/270aldo/ngx-orchestrator/internal/cache"
	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
	"github.com/270aldo/ngx-orchestrator/internal/metrics"
	"github.com/270aldo/ngx-orchestrator/internal/ratelimit"
	"github.com/270aldo/ngx-orchestrator/internal/registry"
)

// Config holds orchestration timeouts and policies.
type Config struct {
	// RequestTimeout bounds one orchestration end to end, streaming
	// included.
	RequestTimeout time.Duration
	// BranchTimeout bounds a single unary agent call within the fan-out.
	BranchTimeout time.Duration
	// CacheTTL is how long merged responses stay cached.
	CacheTTL time.Duration
	// Breaker configures the per-agent circuit breakers.
	Breaker breaker.Config
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 30 * time.Second,
		BranchTimeout:  20 * time.Second,
		CacheTTL:       5 * time.Minute,
		Breaker:        breaker.DefaultConfig(),
	}
}

// branchResult is what one protected transport call yields: a full response
// for unary calls or an open chunk channel for streams.
type branchResult struct {
	resp   *envelope.Response
	chunks <-chan envelope.Chunk
}

// branchOutcome is the resolved state of one fan-out branch.
type branchOutcome struct {
	agentID string
	resp    *envelope.Response
	chunks  <-chan envelope.Chunk
	err     error
}

func (o branchOutcome) success() bool {
	return o.err == nil && (o.chunks != nil || (o.resp != nil && !o.resp.Degraded))
}

// streamHandle is a winning stream plus what relay needs to cache it.
type streamHandle struct {
	agentID     string
	chunks      <-chan envelope.Chunk
	cancel      context.CancelFunc
	fingerprint string
	tags        []string
	started     time.Time
}

// Orchestrator is the coordination core. One instance serves all requests.
type Orchestrator struct {
	cfg        Config
	registry   *registry.Registry
	classifier Classifier
	transport  a2a.Transport
	limiter    ratelimit.Admitter
	breakers   *breaker.Pool[*branchResult]
	cache      *cache.Manager
	metrics    *metrics.Metrics
	logger     *zap.Logger

	requests  atomic.Int64
	cacheHits atomic.Int64
	fanouts   atomic.Int64
	degraded  atomic.Int64
	failures  atomic.Int64
}

// New creates the orchestrator. cacheManager and m may be nil.
func New(
	cfg Config,
	reg *registry.Registry,
	classifier Classifier,
	transport a2a.Transport,
	limiter ratelimit.Admitter,
	cacheManager *cache.Manager,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	var onTransition breaker.TransitionFunc
	if m != nil {
		onTransition = func(agentID string, _, to gobreaker.State) {
			m.BreakerTransitions.WithLabelValues(agentID, to.String()).Inc()
		}
	}
	return &Orchestrator{
		cfg:        cfg,
		registry:   reg,
		classifier: classifier,
		transport:  transport,
		limiter:    limiter,
		breakers:   breaker.NewPool[*branchResult](cfg.Breaker, logger, onTransition),
		cache:      cacheManager,
		metrics:    m,
		logger:     logger,
	}
}

// Breakers exposes per-agent breaker states for the stats endpoint.
func (o *Orchestrator) Breakers() map[string]string {
	return o.breakers.Stats()
}

// Stats returns orchestration counters for the stats endpoint.
func (o *Orchestrator) Stats() map[string]any {
	return map[string]any{
		"requests":        o.requests.Load(),
		"cache_hits":      o.cacheHits.Load(),
		"fanouts":         o.fanouts.Load(),
		"degraded_served": o.degraded.Load(),
		"failures":        o.failures.Load(),
	}
}

// Handle orchestrates one request and returns its response as a chunk
// stream. Unary and cached responses arrive as a single terminal chunk; a
// failed stream ends with a terminal chunk whose Err is set. Errors that
// occur before any agent is contacted are returned directly.
func (o *Orchestrator) Handle(ctx context.Context, req *envelope.Request) (<-chan envelope.Chunk, error) {
	ctx, cancel := o.requestCtx(ctx)

	resp, stream, err := o.execute(ctx, req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp != nil {
		cancel()
		return singleChunk(resp), nil
	}
	stream.cancel = chainCancel(stream.cancel, cancel)
	return o.relay(ctx, stream), nil
}

// Complete orchestrates one request and waits for the full response. It is
// the unary surface over the same pipeline; streaming winners are drained
// and assembled.
func (o *Orchestrator) Complete(ctx context.Context, req *envelope.Request) (*envelope.Response, error) {
	ctx, cancel := o.requestCtx(ctx)
	defer cancel()

	resp, stream, err := o.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp != nil {
		return resp, nil
	}

	started := stream.started
	var b strings.Builder
	var last envelope.Chunk
	for chunk := range o.relay(ctx, stream) {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		b.WriteString(chunk.Delta)
		last = chunk
	}
	if !last.Final {
		// The relay bailed out on cancellation before a terminal chunk
		// arrived; a partial text is not a response.
		return nil, o.requestErr(ctx)
	}
	return &envelope.Response{
		AgentID:   last.AgentID,
		Text:      b.String(),
		LatencyMS: time.Since(started).Milliseconds(),
		FromCache: last.FromCache,
		Degraded:  last.Degraded,
	}, nil
}

// execute runs the shared pipeline up to the winning branch. Exactly one of
// resp and stream is non-nil on success.
func (o *Orchestrator) execute(ctx context.Context, req *envelope.Request) (*envelope.Response, *streamHandle, error) {
	started := time.Now()
	o.requests.Add(1)
	if o.metrics != nil {
		o.metrics.InFlight.Inc()
		defer o.metrics.InFlight.Dec()
	}

	candidates, err := o.selectCandidates(ctx, req)
	if err != nil {
		o.failures.Add(1)
		return nil, nil, err
	}

	ids := make([]string, len(candidates))
	for i, d := range candidates {
		ids[i] = d.ID
	}
	fingerprint := req.Fingerprint(ids)
	tags := entryTags(req, ids)

	if o.cache != nil {
		if entry, ok := o.cache.Get(ctx, fingerprint); ok {
			o.cacheHits.Add(1)
			resp := entry.Payload
			resp.FromCache = true
			resp.LatencyMS = time.Since(started).Milliseconds()
			o.observeLatency(started)
			o.logger.Debug("Cache hit",
				zap.String("conversation_id", req.ConversationID),
				zap.String("fingerprint", fingerprint))
			return &resp, nil, nil
		}
	}

	o.fanouts.Add(1)
	o.logger.Debug("Fanning out",
		zap.String("conversation_id", req.ConversationID),
		zap.Strings("candidates", ids),
		zap.Bool("stream", req.Stream))

	outcomes := make(chan branchOutcome, len(candidates))
	cancels := make(map[string]context.CancelFunc, len(candidates))
	for _, d := range candidates {
		bctx, bcancel := context.WithCancel(ctx)
		cancels[d.ID] = bcancel
		go func(d envelope.AgentDescriptor) {
			outcomes <- o.runBranch(bctx, req, d)
		}(d)
	}
	cancelExcept := func(winner string) {
		for id, c := range cancels {
			if id != winner {
				c()
			}
		}
	}

	results := make(map[string]branchOutcome, len(candidates))
	for len(results) < len(candidates) {
		select {
		case <-ctx.Done():
			cancelExcept("")
			o.failures.Add(1)
			return nil, nil, o.requestErr(ctx)
		case out := <-outcomes:
			results[out.agentID] = out
			winner, decided := pickWinner(candidates, results)
			if !decided {
				continue
			}
			cancelExcept(winner.agentID)
			if winner.chunks != nil {
				return nil, &streamHandle{
					agentID:     winner.agentID,
					chunks:      winner.chunks,
					cancel:      cancels[winner.agentID],
					fingerprint: fingerprint,
					tags:        tags,
					started:     started,
				}, nil
			}
			cancels[winner.agentID]()
			winner.resp.LatencyMS = time.Since(started).Milliseconds()
			o.cachePut(fingerprint, tags, winner.resp)
			o.observeLatency(started)
			return winner.resp, nil, nil
		}
	}
	cancelExcept("")

	// No branch succeeded. Serve the best degraded fallback if any branch
	// produced one; otherwise aggregate the failure kinds.
	for _, d := range candidates {
		out := results[d.ID]
		if out.resp != nil && out.resp.Degraded {
			o.degraded.Add(1)
			out.resp.LatencyMS = time.Since(started).Milliseconds()
			o.observeLatency(started)
			o.logger.Warn("Serving degraded fallback",
				zap.String("conversation_id", req.ConversationID),
				zap.String("agent_id", d.ID))
			return out.resp, nil, nil
		}
	}

	o.failures.Add(1)

	// A single failed branch keeps its typed error so callers see the real
	// condition (a rate limit, a timeout) instead of an aggregate.
	if len(candidates) == 1 {
		return nil, nil, results[candidates[0].ID].err
	}
	branches := make(map[string]errs.Kind, len(results))
	for id, out := range results {
		branches[id] = errs.KindOf(out.err)
	}
	return nil, nil, &errs.AllFailed{Branches: branches}
}

// selectCandidates classifies the request and maps agent IDs to live
// descriptors: Offline agents are skipped and Degraded ones considered only
// when no Online candidate exists.
func (o *Orchestrator) selectCandidates(ctx context.Context, req *envelope.Request) ([]envelope.AgentDescriptor, error) {
	ids, err := o.classifier.Classify(ctx, req.Text, req.Context)
	if err != nil {
		return nil, &errs.NoCandidate{Text: req.Text}
	}

	var online, degraded []envelope.AgentDescriptor
	seen := map[string]struct{}{}
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		d, ok := o.registry.Get(id)
		if !ok {
			o.logger.Warn("Classifier returned unknown agent", zap.String("agent_id", id))
			continue
		}
		switch d.Status {
		case envelope.StatusOnline:
			online = append(online, d)
		case envelope.StatusDegraded:
			degraded = append(degraded, d)
		}
	}

	if len(online) > 0 {
		sortByPriority(online)
		return online, nil
	}
	if len(degraded) > 0 {
		sortByPriority(degraded)
		return degraded, nil
	}
	return nil, &errs.NoCandidate{Text: req.Text}
}

// sortByPriority orders candidates by declared priority, ties broken by
// lexical agent ID, so merge precedence never depends on classifier output
// order.
func sortByPriority(ds []envelope.AgentDescriptor) {
	sort.Slice(ds, func(i, j int) bool {
		if ds[i].Priority != ds[j].Priority {
			return ds[i].Priority < ds[j].Priority
		}
		return ds[i].ID < ds[j].ID
	})
}

// runBranch is the per-agent pipeline: admission, breaker, transport. A
// tripped breaker with a registry fallback yields a degraded response that
// the merge uses only as a last resort.
func (o *Orchestrator) runBranch(ctx context.Context, req *envelope.Request, d envelope.AgentDescriptor) branchOutcome {
	if _, err := o.limiter.Allow(ctx, req.UserID, d.ID); err != nil {
		return branchOutcome{agentID: d.ID, err: err}
	}

	res, err := o.breakers.Execute(d.ID, func() (*branchResult, error) {
		if req.Stream {
			chunks, err := o.transport.OpenStream(ctx, d.ID, req)
			if err != nil {
				return nil, err
			}
			return &branchResult{chunks: chunks}, nil
		}
		cctx := ctx
		if o.cfg.BranchTimeout > 0 {
			var cancel context.CancelFunc
			cctx, cancel = context.WithTimeout(ctx, o.cfg.BranchTimeout)
			defer cancel()
		}
		resp, err := o.transport.Send(cctx, d.ID, req)
		if err != nil {
			return nil, err
		}
		return &branchResult{resp: resp}, nil
	})
	if err != nil {
		var open *errs.CircuitOpen
		if errors.As(err, &open) && d.FallbackText != "" {
			return branchOutcome{
				agentID: d.ID,
				resp: &envelope.Response{
					AgentID:  d.ID,
					Text:     d.FallbackText,
					Degraded: true,
				},
			}
		}
		o.logger.Warn("Branch failed",
			zap.String("agent_id", d.ID),
			zap.String("kind", string(errs.KindOf(err))),
			zap.Error(err))
		return branchOutcome{agentID: d.ID, err: err}
	}
	return branchOutcome{agentID: d.ID, resp: res.resp, chunks: res.chunks}
}

// pickWinner applies deterministic precedence: the first candidate in
// registry order whose branch succeeded wins, but only once every candidate
// ahead of it has resolved. Degraded fallbacks never win here.
func pickWinner(candidates []envelope.AgentDescriptor, results map[string]branchOutcome) (branchOutcome, bool) {
	for _, d := range candidates {
		out, done := results[d.ID]
		if !done {
			return branchOutcome{}, false
		}
		if out.success() {
			return out, true
		}
	}
	return branchOutcome{}, false
}

// relay forwards the winning stream to the caller, assembling the full text
// so successful streams land in the cache. Every send observes ctx so an
// abandoned consumer releases the branch instead of pinning the goroutine
// on a full buffer.
func (o *Orchestrator) relay(ctx context.Context, h *streamHandle) <-chan envelope.Chunk {
	out := make(chan envelope.Chunk, a2a.ChunkBuffer)
	go func() {
		defer close(out)
		defer h.cancel()

		var b strings.Builder
		completed := false
		for chunk := range h.chunks {
			select {
			case out <- chunk:
			case <-ctx.Done():
				o.failures.Add(1)
				return
			}
			if chunk.Err != nil {
				o.failures.Add(1)
				return
			}
			b.WriteString(chunk.Delta)
			if chunk.Final {
				completed = true
				break
			}
		}
		if !completed {
			// Source closed without a terminal chunk: the request ended
			// mid-stream.
			o.failures.Add(1)
			select {
			case out <- envelope.Chunk{AgentID: h.agentID, Final: true, Err: o.requestErr(ctx)}:
			case <-ctx.Done():
			}
			return
		}

		o.cachePut(h.fingerprint, h.tags, &envelope.Response{
			AgentID:   h.agentID,
			Text:      b.String(),
			LatencyMS: time.Since(h.started).Milliseconds(),
		})
		o.observeLatency(h.started)
	}()
	return out
}

// cachePut stores a successful response. Degraded fallbacks are never
// cached.
func (o *Orchestrator) cachePut(fingerprint string, tags []string, resp *envelope.Response) {
	if o.cache == nil || resp.Degraded {
		return
	}
	entry := &cache.Entry{
		Fingerprint: fingerprint,
		Payload:     *resp,
		StoredAt:    time.Now(),
		TTL:         o.cfg.CacheTTL,
		Tags:        tags,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cache.Put(ctx, entry); err != nil {
		o.logger.Warn("Cache write failed",
			zap.String("fingerprint", fingerprint),
			zap.Error(err))
	}
}

// requestErr maps a finished request context to the taxonomy: a fired
// deadline is a Timeout, caller cancellation passes through as-is.
func (o *Orchestrator) requestErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	return &errs.Timeout{Scope: "request", Limit: o.cfg.RequestTimeout}
}

func (o *Orchestrator) requestCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, o.cfg.RequestTimeout)
}

func (o *Orchestrator) observeLatency(started time.Time) {
	if o.metrics != nil {
		o.metrics.RequestLatency.Observe(time.Since(started).Seconds())
	}
}

func entryTags(req *envelope.Request, agentIDs []string) []string {
	tags := make([]string, 0, len(agentIDs)+1)
	tags = append(tags, "user:"+req.UserID)
	for _, id := range agentIDs {
		tags = append(tags, "agent:"+id)
	}
	return tags
}

func singleChunk(resp *envelope.Response) <-chan envelope.Chunk {
	out := make(chan envelope.Chunk, 1)
	out <- envelope.Chunk{
		AgentID:   resp.AgentID,
		Delta:     resp.Text,
		Final:     true,
		FromCache: resp.FromCache,
		Degraded:  resp.Degraded,
	}
	close(out)
	return out
}

func chainCancel(a, b context.CancelFunc) context.CancelFunc {
	return func() {
		a()
		b()
	}
}

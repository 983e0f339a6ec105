package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/aegisgate/backend/internal/adapters"
	"github.com/aegisgate/backend/internal/cache"
	"github.com/aegisgate/backend/internal/circuitbreaker"
	"github.com/aegisgate/backend/internal/events"
	"github.com/aegisgate/backend/internal/idempotency"
	"github.com/aegisgate/backend/internal/runs"
	"github.com/aegisgate/backend/internal/secrets"
	"github.com/aegisgate/backend/internal/security"
	"github.com/aegisgate/backend/internal/store"
)

const maxProxyBody = 1 << 20 // 1 MiB request body cap

type proxyRequest struct {
	AgentToken     string          `json:"agent_token"`
	Tool           string          `json:"tool"`
	Action         string          `json:"action"`
	Params         json.RawMessage `json:"params"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// pipelineError carries an error kind through the cache/retry layers so
// the handler can map it to exactly one HTTP status.
type pipelineError struct {
	kind    string
	reason  string
	details map[string]interface{}
}

func (e *pipelineError) Error() string { return e.kind + ": " + e.reason }

// handleProxyRequest runs the ordered proxy pipeline: token, agent,
// policy, rate limit, idempotency, cache, breaker, secret, adapter (via
// retry), then bookkeeping. Every failure past decoding still produces a
// structured JSON error with the correlation ID.
func (s *Server) handleProxyRequest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	cid := correlationID(r.Context())

	var (
		req  proxyRequest
		code int
	)
	fail := func(kind, reason string, details map[string]interface{}) {
		code = StatusForKind(kind)
		writeError(w, kind, reason, cid, details)
	}
	defer func() {
		if req.Tool == "" {
			return
		}
		s.metrics.RequestsTotal.WithLabelValues(req.Tool, req.Action, strconv.Itoa(code)).Inc()
		s.metrics.RequestDuration.WithLabelValues(req.Tool, req.Action).
			Observe(float64(time.Since(start)) / float64(time.Millisecond))
	}()

	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxProxyBody))
	if err != nil {
		fail(KindBadRequest, "unreadable body", nil)
		return
	}
	if err := json.Unmarshal(rawBody, &req); err != nil {
		fail(KindBadRequest, "invalid JSON body", nil)
		return
	}
	if req.AgentToken == "" || req.Tool == "" || req.Action == "" {
		fail(KindBadRequest, "agent_token, tool and action are required", nil)
		return
	}
	if len(req.Params) == 0 {
		req.Params = json.RawMessage("{}")
	}

	// Step 2: token validation.
	payload, err := s.tokens.Validate(req.AgentToken)
	if err != nil {
		switch {
		case errors.Is(err, security.ErrTokenExpired):
			s.metrics.TokenExpirations.Inc()
			fail(KindExpired, "token expired", nil)
		default:
			fail(KindInvalidToken, "token did not validate", nil)
		}
		return
	}
	s.metrics.TokenValidations.Inc()

	run := s.runs.Ensure(r.Header.Get("X-Run-Id"), payload.AgentID)
	if run.State == runs.StateCreated {
		run, _ = s.runs.Transition(run.ID, runs.StateRunning)
		s.bus.Emit(events.TypeRunStateChanged, run.ID, cid, map[string]interface{}{"state": run.State})
	}
	w.Header().Set("X-Run-Id", run.ID)
	s.bus.Emit(events.TypeRequestStarted, run.ID, cid, map[string]interface{}{
		"agent_id": payload.AgentID, "tool": req.Tool, "action": req.Action,
	})
	defer func() {
		s.bus.Emit(events.TypeRequestFinished, run.ID, cid, map[string]interface{}{
			"tool": req.Tool, "action": req.Action, "code": code,
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}()

	// Step 3: agent resolution and status.
	agent, err := s.store.GetAgent(r.Context(), payload.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(KindUnknownAgent, "agent not found", nil)
			return
		}
		fail(KindInternal, "store error", nil)
		return
	}
	if agent.Status != store.AgentActive {
		fail(KindDisabled, "agent is disabled", nil)
		return
	}

	// Step 4: policy. The token's tool list is a ceiling; the persisted
	// policy decides within it.
	if !tokenGrantsTool(payload, req.Tool) {
		s.denyPolicy(w, fail, run.ID, cid, req.Tool, req.Action, "no_scope")
		return
	}
	decision, err := s.policies.Evaluate(r.Context(), agent.ID, req.Tool, req.Action, req.Params)
	if err != nil {
		fail(KindInternal, "policy evaluation failed", nil)
		return
	}
	if !decision.Allow {
		s.denyPolicy(w, fail, run.ID, cid, req.Tool, req.Action, decision.Reason)
		return
	}

	// Step 5: rate limit.
	if verdict := s.limiter.Allow(agent.ID, req.Tool); !verdict.Allowed {
		s.metrics.RateLimitHits.WithLabelValues(agent.ID).Inc()
		s.bus.Emit(events.TypeRateLimited, run.ID, cid, map[string]interface{}{"agent_id": agent.ID})
		w.Header().Set("Retry-After", strconv.Itoa(int(verdict.RetryAfter.Seconds())+1))
		fail(KindRateLimited, "rate limit exceeded", nil)
		return
	}

	// Step 6: idempotency replay check.
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey == "" {
		idemKey = req.IdempotencyKey
	}
	var bodyHash string
	if idemKey != "" {
		if err := idempotency.ValidateKey(idemKey); err != nil {
			fail(KindValidationError, "idempotency key must be a valid UUID", nil)
			return
		}
		bodyHash = idempotency.HashBody(rawBody)
		rec, err := s.idem.Get(r.Context(), idemKey)
		if err == nil {
			if rec.BodyHash != bodyHash {
				fail(KindIdempotencyConflict, "idempotency key reused with different body", map[string]interface{}{
					"expected_hash": rec.BodyHash,
					"actual_hash":   bodyHash,
				})
				return
			}
			code = http.StatusOK
			s.writeProxyResult(w, code, rec.Response, nil)
			return
		}
		if !errors.Is(err, idempotency.ErrNotFound) {
			fail(KindInternal, "idempotency store error", nil)
			return
		}
	}

	// Steps 7-12: cache, breaker, secret, adapter with retry.
	entry, err := s.execute(r.Context(), start, cid, run.ID, agent.ID, &req)
	if err != nil {
		var pe *pipelineError
		if errors.As(err, &pe) {
			fail(pe.kind, pe.reason, pe.details)
		} else {
			fail(KindInternal, "unexpected pipeline failure", nil)
		}
		return
	}

	// Step 13: persist the idempotency record; races resolve to the first
	// writer and we return whatever was stored.
	status := entry.Status
	if idemKey != "" {
		if status == http.StatusOK {
			status = http.StatusCreated
		}
		stored, existing, err := s.idem.PutIfAbsent(r.Context(), &idempotency.Record{
			Key:      idemKey,
			BodyHash: bodyHash,
			Status:   status,
			Response: entry.Body,
		})
		if err != nil {
			fail(KindInternal, "idempotency store error", nil)
			return
		}
		if !stored && existing != nil {
			if existing.BodyHash != bodyHash {
				fail(KindIdempotencyConflict, "idempotency key reused with different body", map[string]interface{}{
					"expected_hash": existing.BodyHash,
					"actual_hash":   bodyHash,
				})
				return
			}
			code = http.StatusOK
			s.writeProxyResult(w, code, existing.Response, nil)
			return
		}
	}

	// Step 15: rotation hint.
	if s.tokens.RotationAdvised(payload) {
		s.metrics.TokenRotationHints.Inc()
		w.Header().Set("X-Token-Rotation-Recommended", "true")
		w.Header().Set("X-Token-Expires-At", payload.ExpiresAt.UTC().Format(time.RFC3339))
	}

	code = status
	s.writeProxyResult(w, code, entry.Body, entry.Headers)
}

// execute runs the upstream-facing half of the pipeline. When caching
// applies, concurrent identical requests are collapsed to one upstream
// call and share the winner's entry. Hit/miss counters only move for
// cacheable pairs; a bypass is neither.
func (s *Server) execute(ctx context.Context, start time.Time, cid, runID, agentID string, req *proxyRequest) (*cache.Entry, error) {
	loader := func() (*cache.Entry, error) {
		return s.invokeUpstream(ctx, start, cid, runID, req)
	}

	ttl := s.cfg.CacheTTL(req.Tool, req.Action)
	if !s.cfg.CacheEnabled || ttl <= 0 {
		return loader()
	}

	key := cache.Key(agentID, req.Tool, req.Action, req.Params)
	entry, hit, err := s.cache.Do(key, ttl, loader)
	if err != nil {
		return nil, err
	}
	if hit {
		s.metrics.CacheHits.Inc()
	} else {
		s.metrics.CacheMisses.Inc()
	}
	return entry, nil
}

// invokeUpstream gates the breaker, resolves the tool secret, and invokes
// the adapter through the retry executor under the per-tool deadline.
func (s *Server) invokeUpstream(ctx context.Context, start time.Time, cid, runID string, req *proxyRequest) (*cache.Entry, error) {
	// Step 8: breaker gate.
	var (
		br  *circuitbreaker.Breaker
		gen uint64
	)
	if s.cfg.BreakersEnabled {
		br = s.breakers.Get(req.Tool)
		var err error
		gen, err = br.Allow()
		if err != nil {
			s.metrics.BreakerFastfail.WithLabelValues(req.Tool).Inc()
			return nil, &pipelineError{kind: KindBreakerOpen, reason: "circuit open for tool " + req.Tool}
		}
	}
	reportBreaker := func(success bool) {
		if br != nil {
			br.Report(gen, success)
		}
	}

	// Step 9: secret resolution.
	adapter, ok := s.adapters.Get(req.Tool)
	if !ok {
		reportBreaker(true)
		return nil, &pipelineError{kind: KindValidationError, reason: fmt.Sprintf("unknown tool %q", req.Tool)}
	}
	var secret string
	if key := adapter.SecretKey(); key != "" {
		var err error
		secret, err = s.secrets.Resolve(key)
		if err != nil {
			reportBreaker(true)
			if secrets.IsNotFound(err) {
				return nil, &pipelineError{kind: KindSecretUnavailable, reason: "credential not resolvable for " + req.Tool}
			}
			return nil, &pipelineError{kind: KindInternal, reason: "secret resolution failed"}
		}
	}

	// Step 10: adapter invocation with retry, bounded by the per-tool
	// deadline minus elapsed pipeline time.
	callCtx, cancel := context.WithDeadline(ctx, start.Add(s.cfg.HTTPTimeout))
	defer cancel()

	s.sink.RecordEvent(cid, "adapter.invoke", map[string]interface{}{
		"tool": req.Tool, "action": req.Action,
	})
	adapterStart := time.Now()

	var result *adapters.Result
	err := s.retrier.Do(callCtx, req.Tool, req.Action, func(ctx context.Context) error {
		var attemptErr error
		result, attemptErr = adapter.Invoke(ctx, adapters.Request{
			Tool:   req.Tool,
			Action: req.Action,
			Params: req.Params,
			Secret: secret,
		})
		return attemptErr
	})

	s.sink.RecordSpan(cid, "adapter.invoke", adapterStart, time.Since(adapterStart), map[string]interface{}{
		"tool": req.Tool, "action": req.Action, "ok": err == nil,
	})

	// Step 11: breaker outcome. Client-side 4xx failures are successes to
	// the breaker; everything else transient counts against the window.
	if err != nil {
		var ae *adapters.Error
		if errors.As(err, &ae) {
			reportBreaker(!ae.CountsAsBreakerFailure())
			return nil, &pipelineError{kind: upstreamKind(ae), reason: ae.Message}
		}
		reportBreaker(false)
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &pipelineError{kind: KindUpstreamTimeout, reason: "deadline exceeded"}
		}
		return nil, &pipelineError{kind: KindUpstreamError, reason: err.Error()}
	}
	reportBreaker(true)

	return &cache.Entry{
		Status:  result.Status,
		Body:    result.Body,
		Headers: result.Headers,
	}, nil
}

func upstreamKind(e *adapters.Error) string {
	switch e.Kind {
	case adapters.KindTimeout:
		return KindUpstreamTimeout
	case adapters.KindBadRequest:
		return KindBadRequest
	default:
		return KindUpstreamError
	}
}

func (s *Server) denyPolicy(w http.ResponseWriter, fail func(string, string, map[string]interface{}), runID, cid, tool, action, reason string) {
	s.metrics.PolicyDenials.WithLabelValues(tool, action, reason).Inc()
	s.bus.Emit(events.TypePolicyDenied, runID, cid, map[string]interface{}{
		"tool": tool, "action": action, "reason": reason,
	})
	fail(KindPolicyDenied, reason, nil)
}

func tokenGrantsTool(payload *security.TokenPayload, tool string) bool {
	for _, t := range payload.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

// writeProxyResult writes a successful (or replayed) upstream response.
func (s *Server) writeProxyResult(w http.ResponseWriter, status int, body json.RawMessage, headers map[string]string) {
	for k, v := range headers {
		if v != "" {
			w.Header().Set(k, v)
		}
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(status)
	w.Write(body)
}

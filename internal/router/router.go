// Package router sends a request to one of two language-model backends and
// hands off to the other once when the first fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CannedReply is sent when neither backend produced a reply.
const CannedReply = "Both AI models are unavailable right now. Try again in a moment."

type State string

const (
	StateDelivered         State = "delivered"
	StateFallbackDelivered State = "fallback_delivered"
	StateBothFailed        State = "both_failed"
)

type Attempt struct {
	Backend string
	Elapsed time.Duration
	Err     error
}

// Result reports how a request was served. Backend is the label of the
// backend that answered, or of the primary when both failed.
type Result struct {
	Reply    string
	Backend  string
	Complex  bool
	State    State
	Attempts []Attempt
}

func (r Result) Fallback() bool { return r.State != StateDelivered }

// Router picks the attempt order from the complexity flag: complex requests
// go to the high-capability backend first, everything else to the fast one.
type Router struct {
	high    Backend
	fast    Backend
	timeout time.Duration
	log     *zap.Logger
}

func New(high, fast Backend, timeout time.Duration, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{high: high, fast: fast, timeout: timeout, log: log}
}

func (r *Router) HighCapability() Backend { return r.high }
func (r *Router) Fast() Backend           { return r.fast }

// Order returns (primary, secondary) for the complexity flag.
func (r *Router) Order(complex bool) (Backend, Backend) {
	if complex {
		return r.high, r.fast
	}
	return r.fast, r.high
}

// Route runs the primary, then the secondary exactly once on failure. It
// never returns an error; total failure yields CannedReply.
func (r *Router) Route(ctx context.Context, complex bool, req Request) Result {
	primary, secondary := r.Order(complex)
	res := Result{Complex: complex}

	reply, att := r.attempt(ctx, primary, req)
	res.Attempts = append(res.Attempts, att)
	if att.Err == nil {
		res.Reply, res.Backend, res.State = reply, primary.Name(), StateDelivered
		return res
	}
	r.log.Warn("primary backend failed, attempting failover",
		zap.String("primary", primary.Name()),
		zap.String("secondary", secondary.Name()),
		zap.Bool("complex", complex),
		zap.Duration("elapsed", att.Elapsed),
		zap.Error(att.Err))

	reply, att = r.attempt(ctx, secondary, req)
	res.Attempts = append(res.Attempts, att)
	if att.Err == nil {
		res.Reply, res.Backend, res.State = reply, secondary.Name(), StateFallbackDelivered
		return res
	}
	r.log.Error("both backends failed",
		zap.String("primary", primary.Name()),
		zap.String("secondary", secondary.Name()),
		zap.Error(att.Err))

	res.Reply, res.Backend, res.State = CannedReply, primary.Name(), StateBothFailed
	return res
}

func (r *Router) attempt(ctx context.Context, b Backend, req Request) (string, Attempt) {
	att := Attempt{Backend: b.Name()}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type outcome struct {
		reply string
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		reply, err := b.Complete(ctx, req)
		done <- outcome{reply, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out.err = fmt.Errorf("timed out: %w", ctx.Err())
	}
	att.Elapsed = time.Since(start)

	switch {
	case out.err != nil && errors.Is(out.err, ErrBackend):
		att.Err = out.err
	case out.err != nil:
		att.Err = backendError(b.Name(), out.err)
	case strings.TrimSpace(out.reply) == "":
		att.Err = backendError(b.Name(), ErrEmptyReply)
	}
	return strings.TrimSpace(out.reply), att
}

// Complete runs the fast-first chain for internal jobs and reports total
// failure as an error instead of the canned reply.
func (r *Router) Complete(ctx context.Context, req Request) (string, error) {
	res := r.Route(ctx, false, req)
	if res.State == StateBothFailed {
		last := res.Attempts[len(res.Attempts)-1].Err
		return "", fmt.Errorf("complete: %w", last)
	}
	return res.Reply, nil
}

// Package interceptor defines the hook points the proxy pipeline runs around
// every forwarded message. Pre interceptors see client messages before they
// reach the upstream; Post interceptors see upstream messages before they
// reach the client. Interceptors never mutate an envelope: they return a
// replacement or ask the pipeline to answer directly.
package interceptor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ggoodman/mcp-proxy-go/internal/logctx"
	"github.com/ggoodman/mcp-proxy-go/protocol"
)

// Action is what an interceptor asks the pipeline to do next.
type Action uint8

const (
	// ActionContinue forwards the envelope unchanged.
	ActionContinue Action = iota
	// ActionReplace forwards Result.Envelope in place of the original.
	ActionReplace
	// ActionRespond stops the chain and delivers Result.Envelope to the
	// client. In the Pre phase the upstream is never contacted.
	ActionRespond
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionReplace:
		return "replace"
	case ActionRespond:
		return "respond"
	}
	return fmt.Sprintf("action(%d)", uint8(a))
}

// Result is an interceptor's decision.
type Result struct {
	Action   Action
	Envelope *protocol.Envelope
}

// Continue forwards the envelope as is.
func Continue() Result { return Result{Action: ActionContinue} }

// Replace forwards env instead.
func Replace(env *protocol.Envelope) Result { return Result{Action: ActionReplace, Envelope: env} }

// Respond short-circuits with env.
func Respond(env *protocol.Envelope) Result { return Result{Action: ActionRespond, Envelope: env} }

// Interceptor inspects one envelope.
type Interceptor interface {
	Intercept(ctx context.Context, env *protocol.Envelope) (Result, error)
}

// Func adapts a function to Interceptor.
type Func func(ctx context.Context, env *protocol.Envelope) (Result, error)

// Intercept calls f.
func (f Func) Intercept(ctx context.Context, env *protocol.Envelope) (Result, error) {
	return f(ctx, env)
}

// Phase selects which half of the chain runs.
type Phase uint8

const (
	Pre Phase = iota
	Post
)

func (p Phase) String() string {
	if p == Pre {
		return "pre"
	}
	return "post"
}

// ErrNoEnvelope is returned when an interceptor asks to replace or respond
// without providing an envelope.
var ErrNoEnvelope = errors.New("interceptor: result has no envelope")

// Chain runs interceptors in registration order.
type Chain struct {
	pre  []Interceptor
	post []Interceptor
	log  *slog.Logger
}

// Option configures a Chain.
type Option func(*Chain)

// WithPre appends Pre-phase interceptors.
func WithPre(is ...Interceptor) Option {
	return func(c *Chain) {
		c.pre = append(c.pre, is...)
	}
}

// WithPost appends Post-phase interceptors.
func WithPost(is ...Interceptor) Option {
	return func(c *Chain) {
		c.post = append(c.post, is...)
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Chain) {
		if l != nil {
			c.log = l
		}
	}
}

// NewChain builds a chain. A chain with no interceptors forwards everything.
func NewChain(opts ...Option) *Chain {
	c := &Chain{log: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.log = logctx.Wrap(c.log)
	return c
}

// Len reports how many interceptors are registered for phase.
func (c *Chain) Len(phase Phase) int {
	if c == nil {
		return 0
	}
	return len(c.list(phase))
}

func (c *Chain) list(phase Phase) []Interceptor {
	if phase == Pre {
		return c.pre
	}
	return c.post
}

// Run passes env through every interceptor of phase. It returns the envelope
// to forward and whether the chain short-circuited with a direct response.
// The input envelope is never modified.
func (c *Chain) Run(ctx context.Context, phase Phase, env *protocol.Envelope) (*protocol.Envelope, bool, error) {
	if c == nil {
		return env, false, nil
	}
	cur := env
	for i, ic := range c.list(phase) {
		res, err := ic.Intercept(ctx, cur)
		if err != nil {
			c.log.WarnContext(ctx, "interceptor.fail",
				slog.String("phase", phase.String()),
				slog.Int("index", i),
				slog.String("method", cur.Method()),
				slog.String("err", err.Error()))
			return nil, false, fmt.Errorf("%s interceptor %d: %w", phase, i, err)
		}
		switch res.Action {
		case ActionContinue:
		case ActionReplace, ActionRespond:
			if res.Envelope == nil {
				return nil, false, fmt.Errorf("%s interceptor %d: %s: %w", phase, i, res.Action, ErrNoEnvelope)
			}
			cur = res.Envelope
			if res.Action == ActionRespond {
				c.log.DebugContext(ctx, "interceptor.respond", slog.String("phase", phase.String()), slog.Int("index", i))
				return cur, true, nil
			}
		default:
			return nil, false, fmt.Errorf("%s interceptor %d: unknown action %s", phase, i, res.Action)
		}
	}
	return cur, false, nil
}

// Methods applies ic only to envelopes whose method is one of methods.
// Responses, which carry no method, pass through untouched.
func Methods(ic Interceptor, methods ...string) Interceptor {
	return Func(func(ctx context.Context, env *protocol.Envelope) (Result, error) {
		if !slices.Contains(methods, env.Method()) {
			return Continue(), nil
		}
		return ic.Intercept(ctx, env)
	})
}

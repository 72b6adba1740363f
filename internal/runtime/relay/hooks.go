package relay

import (
	"time"

	"github.com/sensortelemetry/relay/internal/runtime/events"
	loggingpkg "github.com/sensortelemetry/relay/internal/runtime/logging"
)

// Direction tells which way an event was travelling when a decision was made.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Outcome names the result of one relay decision.
type Outcome string

const (
	OutcomeRelayed       Outcome = "relayed"
	OutcomeSendFailed    Outcome = "send_failed"
	OutcomeNotLocal      Outcome = "not_local"
	OutcomeHopLimit      Outcome = "hop_limit"
	OutcomeSelfEcho      Outcome = "self_echo"
	OutcomeFiltered      Outcome = "filtered"
	OutcomePanic         Outcome = "panic"
	OutcomePublishFailed Outcome = "publish_failed"
)

// Outcomes lists every outcome in reporting order.
func Outcomes() []Outcome {
	return []Outcome{
		OutcomeRelayed, OutcomeSendFailed, OutcomeNotLocal, OutcomeHopLimit,
		OutcomeSelfEcho, OutcomeFiltered, OutcomePanic, OutcomePublishFailed,
	}
}

// Context describes the event a hook is reporting on.
type Context struct {
	Kind       events.Kind
	Direction  Direction
	Channel    string
	SenderKey  string
	RelayCount int
	StartedAt  time.Time
	Duration   time.Duration
}

// Hooks observe relay decisions. Nil hooks are skipped.
type Hooks struct {
	// OnRelayed is called after an event was sent or republished.
	OnRelayed func(ctx Context)
	// OnDropped is called when an event was not relayed.
	OnDropped func(ctx Context, outcome Outcome)
	// OnError is called alongside OnDropped when the drop was caused by a
	// failure rather than a routing rule.
	OnError func(ctx Context, err error)
}

// Merge returns hooks that call h first and then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnRelayed: chain(h.OnRelayed, other.OnRelayed),
		OnDropped: chain2(h.OnDropped, other.OnDropped),
		OnError:   chain2(h.OnError, other.OnError),
	}
}

func chain(a, b func(Context)) func(Context) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx Context) {
		a(ctx)
		b(ctx)
	}
}

func chain2[A any](a, b func(Context, A)) func(Context, A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx Context, v A) {
		a(ctx, v)
		b(ctx, v)
	}
}

func (h Hooks) relayed(ctx Context) {
	if h.OnRelayed != nil {
		h.OnRelayed(ctx)
	}
}

func (h Hooks) dropped(ctx Context, outcome Outcome) {
	if h.OnDropped != nil {
		h.OnDropped(ctx, outcome)
	}
}

func (h Hooks) failed(ctx Context, err error) {
	if h.OnError != nil {
		h.OnError(ctx, err)
	}
}

// LoggingHooks logs relayed events at debug level, drops at trace level and
// failures at error level.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	fields := func(ctx Context) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"event_kind":  string(ctx.Kind),
			"direction":   string(ctx.Direction),
			"channel":     ctx.Channel,
			"relay_count": ctx.RelayCount,
			"duration_ms": ctx.Duration.Milliseconds(),
		}
	}
	return Hooks{
		OnRelayed: func(ctx Context) {
			logger.Debug("Event relayed", fields(ctx))
		},
		OnDropped: func(ctx Context, outcome Outcome) {
			f := fields(ctx)
			f["outcome"] = string(outcome)
			logger.Trace("Event not relayed", f)
		},
		OnError: func(ctx Context, err error) {
			logger.Error("Relay failed", err, fields(ctx))
		},
	}
}

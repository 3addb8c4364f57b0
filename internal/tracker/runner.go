package tracker

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	otelScope     = "whereabouts/tracker"
	spanCheck     = "tracker.check"
	metricChecks  = "whereabouts.tracker.checks"
	metricCommits = "whereabouts.tracker.commits"
)

// Runner drives the Controller on a fixed cadence and on demand. It is the
// single in-process front door for all invocation sources: the daemon
// ticker, signal handlers, and CLI subcommands all end up in [Runner.Check].
type Runner struct {
	controller *Controller
	interval   time.Duration
	logger     *slog.Logger

	// trigger carries manual check requests into the loop. Buffered so a
	// signal handler never blocks; a trigger arriving while one is already
	// queued coalesces with it.
	trigger chan bool

	afterCommit func(ctx context.Context)

	tracer     trace.Tracer
	cntChecks  metric.Int64Counter
	cntCommits metric.Int64Counter
}

// NewRunner creates a Runner. afterCommit, if non-nil, runs after every
// committed change; errors inside it must be handled there, the runner
// ignores them.
func NewRunner(controller *Controller, interval time.Duration, afterCommit func(ctx context.Context), logger *slog.Logger) *Runner {
	tracer := otel.Tracer(otelScope)
	meter := otel.Meter(otelScope)

	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Runner{
		controller:  controller,
		interval:    interval,
		logger:      logger,
		trigger:     make(chan bool, 1),
		afterCommit: afterCommit,

		tracer:     tracer,
		cntChecks:  mustCounter(metricChecks, "Number of location checks, by result"),
		cntCommits: mustCounter(metricCommits, "Number of committed country changes"),
	}
}

// Trigger requests an out-of-cadence check. Non-blocking: if a manual check
// is already queued the request coalesces into it.
func (r *Runner) Trigger(force bool) {
	select {
	case r.trigger <- force:
	default:
	}
}

// Check runs one instrumented check and fires the post-commit hook.
func (r *Runner) Check(ctx context.Context, force bool) Result {
	ctx, span := r.tracer.Start(ctx, spanCheck)
	defer span.End()

	result := r.controller.Check(ctx, force)

	r.cntChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("result", string(result))))
	span.SetAttributes(
		attribute.String("check.result", string(result)),
		attribute.Bool("check.forced", force),
	)

	if result == ResultCommitted {
		r.cntCommits.Add(ctx, 1)
		if r.afterCommit != nil {
			r.afterCommit(ctx)
		}
	}
	return result
}

// Run starts the foreground check loop. It blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Immediate first check.
	r.Check(ctx, false)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("tracker shutting down")
			return ctx.Err()
		case <-ticker.C:
			r.Check(ctx, false)
		case force := <-r.trigger:
			r.logger.Info("manual check triggered", "force", force)
			r.Check(ctx, force)
		}
	}
}

package screen

import (
	"log/slog"
	"time"

	"github.com/asheshgoplani/agent-relay/internal/logging"
	"github.com/asheshgoplani/agent-relay/internal/vterm"
)

// Middleware decorates a Classifier. Decorators are composed once, when the
// classifier is built, and never swapped in place.
type Middleware func(Classifier) Classifier

// Chain wraps c with mws; the first middleware is the outermost.
func Chain(c Classifier, mws ...Middleware) Classifier {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}

// WithLogging logs every classification at debug level.
func WithLogging(log *slog.Logger) Middleware {
	return func(next Classifier) Classifier {
		return ClassifierFunc(func(snap vterm.Snapshot, ctx Context) Observation {
			start := time.Now()
			obs := next.Classify(snap, ctx)
			log.Debug("classified",
				slog.String("kind", obs.Kind.String()),
				slog.String("prior", ctx.Prior.String()),
				slog.String("line", obs.Line),
				slog.Duration("took", time.Since(start)))
			return obs
		})
	}
}

// WithStats counts observations per kind through the logging aggregator,
// which emits periodic event_summary records.
func WithStats() Middleware {
	return func(next Classifier) Classifier {
		return ClassifierFunc(func(snap vterm.Snapshot, ctx Context) Observation {
			obs := next.Classify(snap, ctx)
			logging.Aggregate(logging.CompScreen, "classified_"+obs.Kind.String())
			return obs
		})
	}
}

// WithUnrecognizedHook calls fn with the snapshot whenever nothing matched,
// so unmatched screens can be captured for pattern tuning.
func WithUnrecognizedHook(fn func(vterm.Snapshot)) Middleware {
	return func(next Classifier) Classifier {
		return ClassifierFunc(func(snap vterm.Snapshot, ctx Context) Observation {
			obs := next.Classify(snap, ctx)
			if obs.Kind == Unrecognized {
				fn(snap)
			}
			return obs
		})
	}
}

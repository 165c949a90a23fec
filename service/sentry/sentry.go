package sentryutil

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/util"
)

const errorContextName = "error context"

// scrubbedHeaders are request headers that carry credentials and must never
// reach Sentry.
var scrubbedHeaders = []string{"Authorization", "X-Api-Key", "X-API-KEY"}

type errorContext struct {
	Mapped   bool
	MappedTo string
}

func ReportRemappedError(ctx context.Context, originalErr error, remappedErr interface{}) {
	hub := SentryHubFromContext(ctx)
	if hub == nil {
		logger.For(ctx).Warnln("could not report error to Sentry because hub is nil")
		return
	}

	// Use a new scope so our error context and tag don't persist beyond this error
	hub.WithScope(func(scope *sentry.Scope) {
		if remappedErr != nil {
			SetErrorContext(scope, true, fmt.Sprintf("%T", remappedErr))
			scope.SetTag("remappedError", "true")
		} else {
			SetErrorContext(scope, false, "")
		}

		hub.CaptureException(originalErr)
	})
}

func ReportError(ctx context.Context, err error) {
	ReportRemappedError(ctx, err, nil)
}

// ScrubEventHeaders removes credential-bearing headers from an event before it
// is sent.
func ScrubEventHeaders(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event == nil || event.Request == nil {
		return event
	}

	for _, header := range scrubbedHeaders {
		if _, ok := event.Request.Headers[header]; ok {
			event.Request.Headers[header] = "[filtered]"
		}
	}

	return event
}

func UpdateErrorFingerprints(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
	if event == nil || hint == nil || hint.OriginalException == nil {
		return event
	}

	// This is a hacky way to do this -- we'd rather check the actual type than a string, but
	// the errors.errorString type isn't exported and we'd really like a way to separate those
	// errors on Sentry. It's not very useful to group every error created with errors.New().
	exceptionType := fmt.Sprintf("%T", hint.OriginalException)
	if exceptionType == "*errors.errorString" {
		event.Fingerprint = []string{"{{ default }}", hint.OriginalException.Error()}
	}

	return event
}

func SetErrorContext(scope *sentry.Scope, mapped bool, mappedTo string) {
	errCtx := errorContext{
		Mapped:   mapped,
		MappedTo: mappedTo,
	}

	scope.SetContext(errorContextName, errCtx)
}

// SetJobContext tags the scope with the queue job being processed so worker
// errors group by queue and job.
func SetJobContext(scope *sentry.Scope, queue string, jobID string) {
	scope.SetTag("queue", queue)
	scope.SetContext("job context", map[string]interface{}{
		"Queue": queue,
		"JobID": jobID,
	})
}

func NewSentryHubContext(ctx context.Context, hub *sentry.Hub) context.Context {
	var cpy *sentry.Hub

	if hub != nil {
		cpy = hub.Clone()
	}

	return sentry.SetHubOnContext(ctx, cpy)
}

// SentryHubFromContext gets a Hub from the supplied context, or from an underlying
// gin.Context if one is available.
func SentryHubFromContext(ctx context.Context) *sentry.Hub {
	// Get a hub via Sentry's standard mechanism if possible
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		return hub
	}

	// Otherwise, see if there's a hub stored on the gin context
	if gc, ok := ctx.(*gin.Context); ok {
		if hub := sentrygin.GetHubFromContext(gc); hub != nil {
			return hub
		}
		return nil
	}
	if ginContext := ctx.Value(util.GinContextKey); ginContext != nil {
		if gc, ok := ginContext.(*gin.Context); ok {
			if hub := sentrygin.GetHubFromContext(gc); hub != nil {
				return hub
			}
		}
	}

	return nil
}

// RecoverAndRaise reports a panic to Sentry and re-raises it so the process
// supervisor still sees the crash.
func RecoverAndRaise(ctx context.Context) {
	if rvr := recover(); rvr != nil {
		if hub := SentryHubFromContext(ctx); hub != nil {
			hub.RecoverWithContext(ctx, rvr)
			hub.Flush(2 * time.Second)
		}
		panic(rvr)
	}
}

package tracing

import (
	"context"
	"fmt"
	"strings"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
)

func NewRedisHook(db int, dbName string, continueOnly bool) redis.Hook {
	return redisHook{
		db:           db,
		dbName:       dbName,
		continueOnly: continueOnly,
	}
}

type redisHook struct {
	db           int
	dbName       string
	continueOnly bool
}

var _ redis.Hook = redisHook{}

type spanContextKey struct{}

func (r redisHook) BeforeProcess(ctx context.Context, cmd redis.Cmder) (context.Context, error) {
	if r.continueOnly {
		transaction := sentry.TransactionFromContext(ctx)
		if transaction == nil {
			return ctx, nil
		}
	}

	span, ctx := StartSpan(ctx, "redis."+strings.ToLower(cmd.FullName()), r.dbName)

	AddEventDataToSpan(span, map[string]interface{}{
		"Redis Cmd": renderCmd(cmd),
		"Redis DB":  r.db,
	})

	ctx = context.WithValue(span.Context(), spanContextKey{}, span)

	return ctx, nil
}

func (redisHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	if span, ok := ctx.Value(spanContextKey{}).(*sentry.Span); ok {
		if err := cmd.Err(); err != nil && err != redis.Nil {
			AddEventDataToSpan(span, map[string]interface{}{
				"Redis Error": err,
			})
		}

		FinishSpan(span)
	}

	return nil
}

func (r redisHook) BeforeProcessPipeline(ctx context.Context, cmds []redis.Cmder) (context.Context, error) {
	if r.continueOnly {
		transaction := sentry.TransactionFromContext(ctx)
		if transaction == nil {
			return ctx, nil
		}
	}

	span, ctx := StartSpan(ctx, "redis.pipeline", r.dbName)

	AddEventDataToSpan(span, map[string]interface{}{
		"Redis Pipeline Num Cmds": len(cmds),
		"Redis DB":                r.db,
	})

	ctx = context.WithValue(span.Context(), spanContextKey{}, span)

	return ctx, nil
}

func (redisHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	if span, ok := ctx.Value(spanContextKey{}).(*sentry.Span); ok {
		FinishSpan(span)
	}

	return nil
}

// renderCmd formats a command for span data, scrubbing payload values and
// truncating long arguments.
func renderCmd(cmd redis.Cmder) string {
	const lengthLimitPerArg = 64
	isSetCmd := cmd.Name() == "set"

	var b strings.Builder
	for i, arg := range cmd.Args() {
		if i > 0 {
			b.WriteByte(' ')
		}

		rendered := fmt.Sprint(arg)

		// The third element of a set command is the payload string
		if isSetCmd && i == 2 {
			rendered = fmt.Sprintf("[scrubbed payload: %d bytes]", len(rendered))
		} else if len(rendered) > lengthLimitPerArg {
			rendered = rendered[:lengthLimitPerArg] + "..."
		}

		b.WriteString(rendered)
	}

	return b.String()
}

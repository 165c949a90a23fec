package middleware

import (
	"fmt"
	"net/http"

	"github.com/getsentry/sentry-go"
	sentrygin "github.com/getsentry/sentry-go/gin"
	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/auth/basicauth"
	"github.com/nftfolio/backend/service/limiters"
	"github.com/nftfolio/backend/service/logger"
	sentryutil "github.com/nftfolio/backend/service/sentry"
	"github.com/nftfolio/backend/service/tracing"
	"github.com/nftfolio/backend/util"
)

// AdminRequired is a middleware that checks if the request is authenticated
// as an admin via a Basic Auth header matching ADMIN_PASS
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !basicauth.AuthorizeHeader(c, nil, env.GetString("ADMIN_PASS")) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, util.ErrorResponse{Error: "Unauthorized"})
			return
		}
		c.Next()
	}
}

// RateLimited is a middleware that rate limits requests by IP address
func RateLimited(lim *limiters.KeyRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		canContinue, tryAgainAfter, err := lim.ForKey(c, c.ClientIP())
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		if !canContinue {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, util.ErrorResponse{Error: fmt.Sprintf("rate limited, try again in %s", tryAgainAfter)})
			return
		}
		c.Next()
	}
}

// HandleCORS sets the CORS headers
func HandleCORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestOrigin := c.Request.Header.Get("Origin")

		if IsOriginAllowed(requestOrigin) {
			c.Writer.Header().Set("Access-Control-Allow-Origin", requestOrigin)
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, sentry-trace, baggage")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "Content-Length, Access-Control-Allow-Origin, Access-Control-Allow-Headers, Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// ErrLogger is a middleware that logs errors
func ErrLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if len(c.Errors) > 0 {
			logger.For(c).Errorf("%s %s %s %s %s", c.Request.Method, c.Request.URL, c.ClientIP(), c.Request.Header.Get("User-Agent"), c.Errors.JSON())
		}
	}
}

func Sentry(reportGinErrors bool) gin.HandlerFunc {
	handler := sentrygin.New(sentrygin.Options{Repanic: true})

	return func(c *gin.Context) {
		// Clone a new hub for each request
		hub := sentry.CurrentHub().Clone()

		// We scrub credential headers from error events with a BeforeSend hook on our Sentry
		// client, but according to Sentry docs, BeforeSend isn't called for tracing
		// transactions. Instead, we have to use an event processor to scrub headers from
		// transactions, so add one here.
		// See: https://develop.sentry.dev/sdk/performance/#interaction-with-beforesend-and-event-processors
		hub.Scope().AddEventProcessor(sentryutil.ScrubEventHeaders)

		// Add the cloned hub to the request context so sentrygin will find it
		c.Request = c.Request.WithContext(sentry.SetHubOnContext(c.Request.Context(), hub))

		// Invoke the sentrygin handler. We don't call c.Next() here because sentrygin does it for us.
		handler(c)

		if reportGinErrors {
			for _, err := range c.Errors {
				sentryutil.ReportError(c.Request.Context(), err)
			}
		}
	}
}

func Tracing() gin.HandlerFunc {
	// Trace outgoing HTTP requests
	http.DefaultTransport = tracing.NewTracingTransport(http.DefaultTransport, true)
	http.DefaultClient = &http.Client{Transport: http.DefaultTransport}

	return func(c *gin.Context) {
		description := fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
		span, ctx := tracing.StartSpan(c.Request.Context(), "gin.server", description,
			sentry.TransactionName(description),
			sentry.ContinueFromRequest(c.Request),
		)

		if c.Request.Method == "OPTIONS" {
			// Don't sample OPTIONS requests; there's nothing to trace and they eat up our Sentry quota.
			// Using a sampling decision here (instead of simply omitting the span) ensures that any
			// child spans will also be filtered out.
			span.Sampled = sentry.SampledFalse
		}

		defer tracing.FinishSpan(span)

		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

package main

import (
	"context"
	"errors"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/server"
	"github.com/nftfolio/backend/service/logger"
	sentryutil "github.com/nftfolio/backend/service/sentry"
)

const shutdownTimeout = 10 * time.Second

func main() {
	defer sentryutil.RecoverAndRaise(nil)

	server.Init()

	srv := &http.Server{Addr: ":" + env.GetString("PORT"), Handler: http.DefaultServeMux}
	go func() {
		logger.For(nil).Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.For(nil).Fatalf("server exited: %s", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.For(nil).Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.For(nil).Warnf("failed to shut down cleanly: %s", err)
	}
}

package server

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

func NewHTTPWebServer(logger *zap.Logger, handler http.Handler) *httpWebServer {
	return &httpWebServer{
		logger:  logger,
		handler: handler,
	}
}

type httpWebServer struct {
	logger  *zap.Logger
	handler http.Handler
}

// Serve blocks until ctx is done or the listener fails.
func (w *httpWebServer) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           w.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			w.logger.Error("server start error", zap.Error(err))
			errCh <- err
		}
	}()
	w.logger.Info("serving snapshot API", zap.String("addr", addr))
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		w.logger.Info("initiating graceful shutdown of server")
		ctxShutDown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctxShutDown); err != nil {
			w.logger.Warn("error during graceful shutdown", zap.Error(err))
		}
		return nil
	}
}

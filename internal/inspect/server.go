package inspect

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"hazardwatch/internal/config"
	"hazardwatch/internal/inspect/middleware"
)

const shutdownTimeout = 5 * time.Second

// NewEngine builds the gin engine with recovery and request logging.
func NewEngine(router *Router, logger logrus.FieldLogger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Logger(logger))
	router.Setup(engine)
	return engine
}

// Serve runs the inspector on cfg.Addr until ctx is canceled.
func Serve(ctx context.Context, cfg config.InspectConfig, engine *gin.Engine, logger logrus.FieldLogger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Addr).Info("inspector listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("inspector stopped")
	return nil
}

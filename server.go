package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/ledger_backend/config"
	"github.com/mmdatafocus/ledger_backend/middlewares"
	"github.com/mmdatafocus/ledger_backend/models"
	"github.com/mmdatafocus/ledger_backend/workflow"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const defaultMetricsAddr = ":9090"

func newOpsRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.CorrelationMiddleware())
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/readyz", func(c *gin.Context) {
		if config.GetDB() == nil {
			c.Status(http.StatusServiceUnavailable)
			return
		}
		c.Status(http.StatusNoContent)
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(config.Metrics().Registry, promhttp.HandlerOpts{})))
	return r
}

func main() {
	logger := config.GetLogger()
	addr := os.Getenv("METRICS_ADDR")
	if addr == "" {
		addr = defaultMetricsAddr
	}

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{Addr: addr, Handler: newOpsRouter()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "ops server"}).Fatal(err.Error())
		}
	}()

	config.ConnectDatabaseWithRetry()
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}
	if err := models.MigrateTable(); err != nil {
		logger.WithFields(logrus.Fields{"field": "MigrateTable"}).Fatal(err.Error())
	}

	dispatcher := workflow.NewOutboxDispatcher(config.GetDB(), logger, workflow.DefaultEventPublisher())
	go dispatcher.Run(sigCtx)
	go workflow.RunMaintenanceLoop(sigCtx, logger, workflow.DefaultMaintenanceTasks(), 5*time.Minute)

	logger.WithFields(logrus.Fields{
		"field":         "worker",
		"metrics_addr":  addr,
		"dispatcher_id": dispatcher.DispatcherID,
	}).Info("ledger worker started")

	<-sigCtx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.WithFields(logrus.Fields{"field": "worker"}).Info("ledger worker stopped")
}

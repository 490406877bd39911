package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CAFxX/httpcompression"
	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/julienschmidt/httprouter"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/getsentry/stackprof/internal/httputil"
	"github.com/getsentry/stackprof/internal/publisher"
	"github.com/getsentry/stackprof/internal/session"
	"github.com/getsentry/stackprof/internal/storageutil"
)

type environment struct {
	config ServiceConfig

	bucket    *blob.Bucket
	publisher *publisher.Publisher
	readJobs  chan storageutil.ReadJob
	cron      *cron.Cron
}

func newEnvironment(ctx context.Context, config ServiceConfig) (*environment, error) {
	e := environment{config: config}
	var err error
	e.bucket, err = blob.OpenBucket(ctx, config.BucketURL)
	if err != nil {
		return nil, err
	}
	if len(config.KafkaBrokers) > 0 {
		e.publisher = publisher.New(publisher.NewWriter(config.KafkaBrokers), config.KafkaTopic)
	}
	workers := config.ReadWorkers
	if workers < 1 {
		workers = 1
	}
	e.readJobs = make(chan storageutil.ReadJob, workers)
	for i := 0; i < workers; i++ {
		go storageutil.ReadWorker(e.readJobs)
	}
	return &e, nil
}

func (e *environment) shutdown() {
	if e.cron != nil {
		<-e.cron.Stop().Done()
	}
	close(e.readJobs)
	if e.publisher != nil {
		if err := e.publisher.Close(); err != nil {
			sentry.CaptureException(err)
		}
	}
	if err := e.bucket.Close(); err != nil {
		sentry.CaptureException(err)
	}
	sentry.Flush(5 * time.Second)
}

func (e *environment) newRouter() (*httprouter.Router, error) {
	compress, err := httpcompression.DefaultAdapter()
	if err != nil {
		return nil, err
	}

	routes := []struct {
		method  string
		path    string
		handler http.HandlerFunc
	}{
		{http.MethodGet, "/debug/stackprof/profile", e.getDebugProfile},
		{http.MethodGet, "/functions", e.getFunctions},
		{http.MethodGet, "/health", e.getHealth},
		{http.MethodGet, "/sessions/:session_id", e.getSession},
		{http.MethodGet, "/sessions/:session_id/functions", e.getSessionFunctions},
		{http.MethodPost, "/sessions", e.postSession},
	}

	router := httprouter.New()

	for _, route := range routes {
		handlerFunc := httputil.NameTransaction(route.method, route.path, route.handler)
		handlerFunc = httputil.DecompressPayload(handlerFunc)
		handler := compress(handlerFunc)

		router.Handler(route.method, route.path, handler)
	}

	return router, nil
}

// scheduleCleanup deletes expired sessions every day.
func (e *environment) scheduleCleanup() error {
	c := cron.New()
	_, err := c.AddFunc("@daily", func() {
		if _, err := e.cleanup(context.Background(), time.Now()); err != nil {
			sentry.CaptureException(err)
			log.Error().Err(err).Msg("error cleaning up sessions")
		}
	})
	if err != nil {
		return err
	}
	c.Start()
	e.cron = c
	return nil
}

func (e *environment) cleanup(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.AddDate(0, 0, -e.config.RetentionDays)
	deleted, err := storageutil.DeleteOlderThan(ctx, e.bucket, session.StoragePrefix, cutoff)
	if deleted > 0 {
		log.Info().Int("deleted", deleted).Time("cutoff", cutoff).Msg("expired sessions deleted")
	}
	return deleted, err
}

func (e *environment) getHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service storing, publishing and rendering sessions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := readServiceConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), config)
		},
	}
}

func serve(ctx context.Context, config ServiceConfig) error {
	err := sentry.Init(sentry.ClientOptions{
		Dsn:              config.SentryDSN,
		EnableTracing:    true,
		Environment:      config.Environment,
		Release:          release,
		TracesSampleRate: 1.0,
		BeforeSend:       httputil.SetHTTPStatusCodeTag,
	})
	if err != nil {
		log.Error().Err(err).Msg("can't initialize sentry")
		return err
	}

	env, err := newEnvironment(ctx, config)
	if err != nil {
		log.Error().Err(err).Msg("error setting up environment")
		return err
	}

	router, err := env.newRouter()
	if err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("error setting up the router")
		return err
	}

	if err := env.scheduleCleanup(); err != nil {
		sentry.CaptureException(err)
		log.Error().Err(err).Msg("can't set up cron function")
		return err
	}

	server := http.Server{
		Addr:    ":" + config.Port,
		Handler: sentryhttp.New(sentryhttp.Options{}).Handle(router),
	}

	waitForShutdown := make(chan struct{})
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c

		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(cctx); err != nil {
			sentry.CaptureException(err)
			log.Err(err).Msg("error shutting down server")
		}

		close(waitForShutdown)
	}()

	log.Info().Str("addr", server.Addr).Str("bucket", config.BucketURL).Msg("serving")
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		sentry.CaptureException(err)
		log.Err(err).Msg("server failed")
		env.shutdown()
		return err
	}

	<-waitForShutdown

	// Shutdown the rest of the environment after the HTTP connections are closed
	env.shutdown()
	return nil
}

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/goccy/go-json"
	"github.com/julienschmidt/httprouter"

	"github.com/getsentry/stackprof/internal/errorutil"
	"github.com/getsentry/stackprof/internal/httputil"
	"github.com/getsentry/stackprof/internal/metrics"
	"github.com/getsentry/stackprof/internal/profiler"
	"github.com/getsentry/stackprof/internal/sampler"
	"github.com/getsentry/stackprof/internal/session"
	"github.com/getsentry/stackprof/internal/storageutil"
)

const (
	defaultProfileDuration = 30 * time.Second
	maxProfileDuration     = 5 * time.Minute

	maxUniqueFunctions = 100
	maxExamples        = 5
)

type postSessionResponse struct {
	SessionID string `json:"session_id"`
}

func (env *environment) postSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	s := sentry.StartSpan(ctx, "processing")
	s.Description = "Decode session"
	sess, err := session.Decode(r.Body)
	s.Finish()
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if hub != nil {
		hub.Scope().SetTag("session_id", sess.ID)
	}

	if status, err := env.save(ctx, sess); err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(status)
		return
	}

	b, err := json.Marshal(postSessionResponse{SessionID: sess.ID})
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_, _ = w.Write(b)
}

// save stores then publishes the session. On failure, it returns the status
// the request should end with.
func (env *environment) save(ctx context.Context, sess *session.Session) (int, error) {
	s := sentry.StartSpan(ctx, "gcs.write")
	s.Description = "Write session to storage"
	err := session.Store(ctx, env.bucket, sess)
	s.Finish()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusTooManyRequests, err
		}
		return http.StatusInternalServerError, err
	}

	if env.publisher == nil {
		return http.StatusOK, nil
	}
	s = sentry.StartSpan(ctx, "processing")
	s.Description = "Send session to Kafka"
	err = env.publisher.Publish(ctx, sess)
	s.Finish()
	if err != nil {
		return http.StatusInternalServerError, err
	}
	return http.StatusOK, nil
}

func (env *environment) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)
	ps := httprouter.ParamsFromContext(ctx)
	sessionID := ps.ByName("session_id")

	if hub != nil {
		hub.Scope().SetTag("session_id", sessionID)
	}

	renderer, err := rendererFor(httputil.QueryString(r, "format", defaultFormat))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s := sentry.StartSpan(ctx, "gcs.read")
	s.Description = "Read session"
	sess, err := session.Load(ctx, env.bucket, sessionID)
	s.Finish()
	if err != nil {
		writeLoadError(w, hub, err)
		return
	}

	writeRendering(w, hub, renderer, sess)
}

func (env *environment) getSessionFunctions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ps := httprouter.ParamsFromContext(ctx)
	env.writeFunctions(w, r, []string{ps.ByName("session_id")})
}

// getFunctions aggregates the functions of every session passed with the
// session_id query parameter.
func (env *environment) getFunctions(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["session_id"]
	if len(ids) == 0 {
		http.Error(w, "expected session_id query parameter", http.StatusBadRequest)
		return
	}
	env.writeFunctions(w, r, ids)
}

func (env *environment) writeFunctions(w http.ResponseWriter, r *http.Request, ids []string) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	s := sentry.StartSpan(ctx, "gcs.read")
	s.Description = "Read sessions"
	sessions, err := env.loadSessions(ctx, ids)
	s.Finish()
	if err != nil {
		writeLoadError(w, hub, err)
		return
	}

	s = sentry.StartSpan(ctx, "processing")
	s.Description = "Aggregate functions"
	ma := metrics.NewAggregator(maxUniqueFunctions, maxExamples)
	for _, sess := range sessions {
		ma.AddSession(sess)
	}
	functions := ma.ToMetrics()
	s.Finish()

	s = sentry.StartSpan(ctx, "json.marshal")
	defer s.Finish()
	b, err := json.Marshal(functions)
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

// loadSessions reads the sessions with the pool of read workers. Sessions
// come back in the order of ids.
func (env *environment) loadSessions(ctx context.Context, ids []string) ([]*session.Session, error) {
	results := make(chan storageutil.ReadJobResult, len(ids))
	go func() {
		for _, id := range ids {
			env.readJobs <- session.ReadJob{
				Ctx:       ctx,
				Storage:   env.bucket,
				SessionID: id,
				Result:    results,
			}
		}
	}()

	byID := make(map[string]*session.Session, len(ids))
	var err error
	for range ids {
		res := (<-results).(session.ReadJobResult)
		if res.Err != nil {
			if err == nil {
				err = res.Err
			}
			continue
		}
		byID[res.Session.ID] = res.Session
	}
	if err != nil {
		return nil, err
	}
	sessions := make([]*session.Session, 0, len(ids))
	for _, id := range ids {
		if sess, ok := byID[id]; ok {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// getDebugProfile profiles every goroutine of the service for a while, then
// stores, publishes and renders the session.
func (env *environment) getDebugProfile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	hub := sentry.GetHubFromContext(ctx)

	duration, err := httputil.QueryDuration(r, "seconds", defaultProfileDuration)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if duration > maxProfileDuration {
		http.Error(w, "profile duration is too long", http.StatusBadRequest)
		return
	}
	interval, err := httputil.QueryDuration(r, "interval", sampler.DefaultInterval)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	renderer, err := rendererFor(httputil.QueryString(r, "format", defaultFormat))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	p := profiler.New(
		profiler.WithProgram("stackprof serve"),
		profiler.WithInterval(interval),
		profiler.WithAllGoroutines(),
	)
	if err := p.Start(); err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	timer := time.NewTimer(duration)
	select {
	case <-timer.C:
	case <-ctx.Done():
		timer.Stop()
	}
	sess, err := p.Stop()
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if ctx.Err() != nil {
		return
	}

	if status, err := env.save(ctx, sess); err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(status)
		return
	}

	writeRendering(w, hub, renderer, sess)
}

func writeLoadError(w http.ResponseWriter, hub *sentry.Hub, err error) {
	switch {
	case errors.Is(err, storageutil.ErrObjectNotFound):
		w.WriteHeader(http.StatusNotFound)
	case errors.Is(err, errorutil.ErrDataIntegrity):
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
	case errors.Is(err, context.DeadlineExceeded):
		w.WriteHeader(http.StatusTooManyRequests)
	default:
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
	}
}

func writeRendering(w http.ResponseWriter, hub *sentry.Hub, renderer session.Renderer, sess *session.Session) {
	b, err := renderer.Render(sess)
	if err != nil {
		if hub != nil {
			hub.CaptureException(err)
		}
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", renderer.ContentType())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

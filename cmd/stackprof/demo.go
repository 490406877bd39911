package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/goccy/go-json"
	"github.com/gojek/heimdall/v7"
	"github.com/gojek/heimdall/v7/httpclient"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/getsentry/stackprof/internal/render/text"
	"github.com/getsentry/stackprof/internal/sampler"
	"github.com/getsentry/stackprof/internal/session"
)

func newDemoCommand() *cobra.Command {
	var (
		w      workload
		format string
		upload string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Profile a built-in workload of goroutines and cooperative tasks.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			renderer, err := rendererFor(format)
			if err != nil {
				return err
			}
			if format == "text" {
				renderer = text.Renderer{Threshold: 0.01}
			}
			sess, err := w.run()
			if err != nil {
				return err
			}
			log.Info().
				Str("session_id", sess.ID).
				Int("samples", sess.SampleCount).
				Float64("duration", sess.Duration).
				Msg("workload profiled")
			if upload != "" {
				if err := uploadSession(cmd.Context(), upload, sess); err != nil {
					return err
				}
			}
			b, err := renderer.Render(sess)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	cmd.Flags().DurationVar(&w.duration, "duration", 2*time.Second, "how long the workload runs")
	cmd.Flags().DurationVar(&w.interval, "interval", sampler.DefaultInterval, "sampling interval")
	cmd.Flags().IntVar(&w.workers, "workers", 3, "number of cooperative tasks")
	cmd.Flags().StringVar(&format, "format", "text", "output format (json, speedscope, pprof, text)")
	cmd.Flags().StringVar(&upload, "upload", "", "base URL of a stackprof service to post the session to")
	return cmd
}

// uploadSession posts the session, brotli-compressed, to a stackprof
// service.
func uploadSession(ctx context.Context, baseURL string, s *session.Session) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	var body bytes.Buffer
	bw := brotli.NewWriter(&body)
	if _, err := bw.Write(payload); err != nil {
		return err
	}
	if err := bw.Close(); err != nil {
		return err
	}

	client := httpclient.NewClient(
		httpclient.WithHTTPTimeout(10*time.Second),
		httpclient.WithRetryCount(3),
		httpclient.WithRetrier(heimdall.NewRetrier(heimdall.NewConstantBackoff(100*time.Millisecond, 50*time.Millisecond))),
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimSuffix(baseURL, "/")+"/sessions", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "br")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("upload failed with status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gocloud.dev/blob"

	"github.com/getsentry/stackprof/internal/render/text"
	"github.com/getsentry/stackprof/internal/session"
)

func newViewCommand() *cobra.Command {
	var (
		bucketURL string
		file      string
		format    string
		maxDepth  int
	)
	cmd := &cobra.Command{
		Use:   "view [session-id]",
		Short: "Render a session read from a bucket or a JSON file.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			renderer, err := rendererFor(format)
			if err != nil {
				return err
			}
			if format == "text" {
				renderer = text.Renderer{Threshold: 0.01, MaxDepth: maxDepth}
			}

			var sess *session.Session
			switch {
			case file != "":
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				sess, err = session.Decode(f)
				if err != nil {
					return err
				}
			case len(args) == 1:
				ctx := cmd.Context()
				bucket, err := blob.OpenBucket(ctx, bucketURL)
				if err != nil {
					return err
				}
				defer bucket.Close()
				sess, err = session.Load(ctx, bucket, args[0])
				if err != nil {
					return err
				}
			default:
				return fmt.Errorf("expected a session id or --file")
			}

			b, err := renderer.Render(sess)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(b)
			return err
		},
	}
	cmd.Flags().StringVar(&bucketURL, "bucket", os.Getenv("STACKPROF_BUCKET_URL"), "URL of the bucket sessions are stored in")
	cmd.Flags().StringVar(&file, "file", "", "read the session from a JSON file instead")
	cmd.Flags().StringVar(&format, "format", "text", "output format (json, speedscope, pprof, text)")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "stop descending after that many levels")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"clinscribe/internal/app"
	"clinscribe/internal/models"
)

type recordOptions struct {
	input    string
	duration time.Duration
	backend  string
}

func newRecordCmd(root *rootOptions) *cobra.Command {
	opts := &recordOptions{}
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a session until interrupted",
		Long: `Record a session from an audio stream. With --input - the encoded
audio is read from stdin, e.g.

  ffmpeg -f pulse -i default -c:a libopus -f webm - | clinscribe record --input -

Any other --input value is a file that an external recorder appends to.
Recording stops on Ctrl-C, when --duration elapses, or at the end of stdin.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.input, "input", "i", "-", "audio source: - for stdin or a file path")
	cmd.Flags().DurationVarP(&opts.duration, "duration", "d", 0, "stop after this long (0 means until interrupted)")
	cmd.Flags().StringVar(&opts.backend, "backend", "", "prefer this transcription backend")
	return cmd
}

func runRecord(cmd *cobra.Command, root *rootOptions, opts *recordOptions) error {
	appOpts := app.Options{}
	if opts.input != "-" {
		appOpts.InputFile = opts.input
	}
	a, err := root.open(cmd.Context(), appOpts)
	if err != nil {
		return err
	}
	defer a.Shutdown(context.Background())

	if opts.backend != "" {
		if err := a.Transcription.UseBackend(opts.backend); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	unsubscribe := a.Bus.OnSegment(func(e models.SegmentEvent) {
		fmt.Fprintln(out, formatSegment(e.Segment))
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := a.Sessions.Create(ctx)
	if err != nil {
		return err
	}
	if err := a.Sessions.Start(ctx, s.ID); err != nil {
		return err
	}
	fmt.Fprintf(out, "Recording session %s (Ctrl-C to stop)\n", s.ID)

	eof := make(chan error, 1)
	if opts.input == "-" {
		w, ok := a.Capture.(io.Writer)
		if !ok {
			return fmt.Errorf("capture %T does not accept a stream", a.Capture)
		}
		go func() {
			_, err := io.Copy(w, cmd.InOrStdin())
			eof <- err
		}()
	}
	var deadline <-chan time.Time
	if opts.duration > 0 {
		deadline = time.After(opts.duration)
	}

	select {
	case <-ctx.Done():
	case <-deadline:
	case err := <-eof:
		if err != nil {
			a.Logger.Error().Err(err).Msg("Audio stream failed")
		}
	}

	// The signal context may be done; stopping still has to finish.
	stopCtx := context.Background()
	fmt.Fprintln(out, "Stopping, running final transcription...")
	if err := a.Sessions.Stop(stopCtx, s.ID); err != nil {
		return err
	}
	final, err := a.Sessions.Get(stopCtx, s.ID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	printSession(out, final)
	return nil
}

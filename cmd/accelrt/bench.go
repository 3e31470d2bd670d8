package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/accelrt/internal/device"
	"github.com/seantiz/accelrt/internal/driver/sim"
	"github.com/seantiz/accelrt/internal/engine"
	"github.com/seantiz/accelrt/internal/model"
	"github.com/seantiz/accelrt/internal/stream"
)

type benchOptions struct {
	Streams     int
	Tasks       int
	PayloadSize int
	FailEvery   int
	Timeout     time.Duration
}

// benchResult summarizes one bench run.
type benchResult struct {
	Submitted  int64
	Completed  int64
	Failed     int64
	Aborted    int64
	Retries    int64
	Elapsed    time.Duration
}

func newBenchCmd() *cobra.Command {
	var opts benchOptions
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Submit ordered task streams to a simulated device and report throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devOpts := device.Options{
				Engine:         cfg.EngineOptions(),
				StreamDefaults: cfg.StreamDefaults(),
			}
			res, err := runBench(cmd.Context(), devOpts, cfg.SimOptions(), opts, logger)
			if err != nil {
				return err
			}
			printBench(cmd.OutOrStdout(), opts, res)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.Streams, "streams", 4, "Number of concurrent streams")
	cmd.Flags().IntVar(&opts.Tasks, "tasks", 10000, "Tasks submitted per stream")
	cmd.Flags().IntVar(&opts.PayloadSize, "payload", 64, "Payload bytes per task")
	cmd.Flags().IntVar(&opts.FailEvery, "fail-every", 0, "Inject a task failure every N tasks (0 disables)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", time.Minute, "Per-stream sync timeout")
	return cmd
}

// runBench opens one simulated device, submits opts.Tasks tasks on each of
// opts.Streams streams in parallel and waits for every stream to drain.
func runBench(ctx context.Context, devOpts device.Options, simCfg sim.Config, opts benchOptions, logger *slog.Logger) (benchResult, error) {
	var res benchResult
	if opts.Streams <= 0 || opts.Tasks <= 0 {
		return res, errors.New("streams and tasks must be positive")
	}

	rt := device.NewRuntime(nil, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		rt.Close(closeCtx)
	}()

	drv := sim.New(simCfg, logger)
	d, err := rt.Open(0, drv, devOpts)
	if err != nil {
		drv.Close()
		return res, err
	}

	var completed, failed, aborted, retries atomic.Int64
	d.AddObserver(engine.ObserverFunc(func(ev engine.Event) {
		if ev.Kind != engine.EventFinish {
			return
		}
		retries.Add(int64(ev.RetryCount))
		switch ev.State {
		case model.StateCompleted:
			completed.Add(1)
		case model.StateFailed:
			failed.Add(1)
		case model.StateAborted:
			aborted.Add(1)
		}
	}))

	streams := make([]*stream.Stream, opts.Streams)
	for i := range streams {
		sopts := d.StreamDefaults()
		sopts.Label = fmt.Sprintf("bench-%d", i)
		s, err := d.CreateStream(sopts)
		if err != nil {
			return res, err
		}
		streams[i] = s
		if opts.FailEvery > 0 {
			// Faults are keyed by id, so only the first pass through the id space gets them.
			for n := opts.FailEvery; n <= min(opts.Tasks, 1<<16-1); n += opts.FailEvery {
				drv.FailTask(s.ID(), model.TaskID(n), 0x1, false)
			}
		}
	}

	payload := make([]byte, opts.PayloadSize)
	var (
		mu        sync.Mutex
		submitted int64
	)
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range streams {
		g.Go(func() error {
			var n int64
			for range opts.Tasks {
				if err := gctx.Err(); err != nil {
					return err
				}
				t := model.NewTask(model.TaskKernel, payload)
				if err := d.Submit(s.ID(), t, opts.Timeout); err != nil {
					if errors.Is(err, model.ErrStreamStopped) || errors.Is(err, model.ErrStreamAbort) {
						break
					}
					return fmt.Errorf("stream %d: %w", s.ID(), err)
				}
				n++
			}
			mu.Lock()
			submitted += n
			mu.Unlock()

			err := d.Sync(s.ID(), 0, true, opts.Timeout)
			var failedErr *model.TaskFailedError
			if err != nil && !errors.As(err, &failedErr) {
				return fmt.Errorf("stream %d: %w", s.ID(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}
	res.Elapsed = time.Since(start)

	res.Submitted = submitted
	res.Retries = retries.Load()
	res.Completed = completed.Load()
	res.Failed = failed.Load()
	res.Aborted = aborted.Load()
	return res, nil
}

func printBench(w io.Writer, opts benchOptions, res benchResult) {
	var rate float64
	if res.Elapsed > 0 {
		rate = float64(res.Submitted) / res.Elapsed.Seconds()
	}
	fmt.Fprintf(w, "streams:   %d\n", opts.Streams)
	fmt.Fprintf(w, "submitted: %s tasks (%s payload)\n",
		humanize.Comma(res.Submitted),
		humanize.IBytes(uint64(res.Submitted)*uint64(opts.PayloadSize)))
	fmt.Fprintf(w, "completed: %s\n", humanize.Comma(res.Completed))
	fmt.Fprintf(w, "failed:    %s\n", humanize.Comma(res.Failed))
	fmt.Fprintf(w, "aborted:   %s\n", humanize.Comma(res.Aborted))
	fmt.Fprintf(w, "retries:   %s\n", humanize.Comma(res.Retries))
	fmt.Fprintf(w, "elapsed:   %s\n", res.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "rate:      %s tasks/s\n", humanize.CommafWithDigits(rate, 0))
}

package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/pipeflow/pipeflow/pkg/dispatcher"
)

var (
	serveWorkers int
	serveTicks   int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start workers on in-process master/worker stream pairs and drive one fetch round",
	RunE: func(cmd *cobra.Command, args []string) error {
		return servePipeline(serveWorkers, serveTicks)
	},
}

func init() {
	serveCmd.Flags().IntVar(&serveWorkers, "workers", 2, "Number of workers to start")
	serveCmd.Flags().IntVar(&serveTicks, "ticks", 20, "Maximum ticks to drive before giving up")
}

// demoDataset hands out one token id per Next call, so a "fetch" request
// against each worker demonstrates the buffer-index assignment and
// ownership bookkeeping without a real dataset loader.
type demoDataset struct{ next int64 }

func (d *demoDataset) Next() ([]int64, bool) {
	d.next++
	if d.next > 3 {
		return nil, false
	}
	return []int64{d.next}, true
}

// servePipeline starts n workers on in-process Master/Worker stream pairs
// and runs one "fetch" request per worker to completion, logging the
// sequences each worker produced (mirrors cmd/run.go's structure but
// exercises the request dispatcher, C9, instead of the pipeline engine).
func servePipeline(n, maxTicks int) error {
	streams := make(map[string]dispatcher.Stream, n)
	workers := make(map[string]*dispatcher.Worker, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("worker-%d", i)
		masterSide, workerSide := dispatcher.NewStreamPair(8)
		streams[name] = masterSide
		w := dispatcher.NewWorker(name, workerSide, nil)
		w.BindDataset(&demoDataset{})
		workers[name] = w
	}

	master := dispatcher.NewMaster(streams, 5*time.Second)
	for name := range workers {
		req := dispatcher.NewRequest("fetch-"+name, name, "fetch", nil)
		if err := master.Send(name, req); err != nil {
			return fmt.Errorf("cmd: serve: %w", err)
		}
	}

	ctx := context.Background()
	remaining := len(workers)
	for tick := 0; tick < maxTicks && remaining > 0; tick++ {
		for _, w := range workers {
			if err := w.Tick(ctx); err != nil {
				return fmt.Errorf("cmd: serve: worker tick: %w", err)
			}
		}
		responses, err := master.Poll()
		if err != nil {
			return fmt.Errorf("cmd: serve: master poll: %w", err)
		}
		for _, r := range responses {
			remaining--
			if r.Err != nil {
				logrus.WithField("handler", r.Handler).WithError(r.Err).Error("fetch failed")
				continue
			}
			seqs, _ := r.Data.([]dispatcher.Sequence)
			logrus.WithFields(logrus.Fields{"handler": r.Handler, "sequences": len(seqs)}).Info("fetch complete")
		}
	}
	if remaining > 0 {
		return fmt.Errorf("cmd: serve: %d worker(s) did not respond within %d ticks", remaining, maxTicks)
	}
	return nil
}

package dispatch

import (
	"context"

	"github.com/cryptolog/apt-offline/pkg/record"
	"golang.org/x/sync/errgroup"
)

// locateFunc finds filename in the cache root.
type locateFunc func(ctx context.Context, filename string) (string, bool)

type probeRequest struct {
	filename string
	reply    chan<- string
}

// runPool feeds jobs to a fixed set of workers. Cache lookups are funneled
// through one prober goroutine; each worker waits on its own reply channel.
// A fatal error stops new jobs from starting while running jobs settle.
func (e *Engine) runPool(ctx context.Context, jobs []record.Job) error {
	g, gctx := errgroup.WithContext(ctx)
	queue := make(chan record.Job, e.cfg.Workers)
	probes := make(chan probeRequest, e.cfg.Workers)

	proberDone := make(chan struct{})
	go func() {
		defer close(proberDone)
		for req := range probes {
			p, _ := e.locate(ctx, req.filename)
			req.reply <- p
		}
	}()

	g.Go(func() error {
		defer close(queue)
		for i, job := range jobs {
			select {
			case queue <- job:
			case <-gctx.Done():
				e.skipped.Add(int64(len(jobs) - i))
				return nil
			}
		}
		return nil
	})

	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			reply := make(chan string, 1)
			probe := func(_ context.Context, filename string) (string, bool) {
				probes <- probeRequest{filename: filename, reply: reply}
				p := <-reply
				return p, p != ""
			}

			for job := range queue {
				if gctx.Err() != nil {
					e.skipped.Add(1)
					continue
				}
				if err := e.process(ctx, job, probe); err != nil {
					return err
				}
			}
			return nil
		})
	}

	err := g.Wait()
	for range queue {
		e.skipped.Add(1)
	}
	close(probes)
	<-proberDone
	return err
}

func (e *Engine) runSerial(ctx context.Context, jobs []record.Job) error {
	for i, job := range jobs {
		if err := e.process(ctx, job, e.locate); err != nil {
			e.skipped.Add(int64(len(jobs) - i - 1))
			return err
		}
	}
	return nil
}

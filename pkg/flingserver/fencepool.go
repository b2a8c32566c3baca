package flingserver

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/Themaister/pyrofling/pkg/dispatch"
)

// fenceWaitTimeout bounds how long a worker waits on a present fence
// before giving up on a stuck client.
const fenceWaitTimeout = 5 * time.Second

// FenceJob is one outstanding "wait for this present's fence, then mark
// the frame ready" task.
type FenceJob struct {
	Client *Client
	Index  int
	Fence  uint64
}

// FenceWaitPool is a small worker pool that blocks on present fences so
// the dispatcher's epoll_wait never has to. Completions are reported
// back to the dispatcher via an eventfd so RunOnce stays the server's
// single blocking point.
type FenceWaitPool struct {
	log     zerolog.Logger
	gpu     *EncodeGPU
	jobs    chan FenceJob
	signal  *dispatch.EventFD
	results chan fenceResult
}

type fenceResult struct {
	client *Client
	index  int
	ok     bool
	err    error
}

// NewFenceWaitPool starts workers worker goroutines draining jobs.
func NewFenceWaitPool(workers int, gpu *EncodeGPU, log zerolog.Logger) (*FenceWaitPool, error) {
	signal, err := dispatch.NewEventFD()
	if err != nil {
		return nil, err
	}
	p := &FenceWaitPool{
		log:     log,
		gpu:     gpu,
		jobs:    make(chan FenceJob, 256),
		signal:  signal,
		results: make(chan fenceResult, 256),
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

func (p *FenceWaitPool) worker() {
	for job := range p.jobs {
		ok, err := p.gpu.WaitFence(job.Fence, fenceWaitTimeout)
		if err == nil {
			err = p.gpu.ResetFence(job.Fence)
		}
		p.results <- fenceResult{client: job.Client, index: job.Index, ok: ok, err: err}
		if serr := p.signal.Signal(); serr != nil {
			p.log.Warn().Err(serr).Msg("flingserver: fence pool signal failed")
		}
	}
}

// Submit enqueues job for a worker to pick up.
func (p *FenceWaitPool) Submit(job FenceJob) {
	p.jobs <- job
}

// FD exposes the completion eventfd for dispatch.Loop registration.
func (p *FenceWaitPool) FD() int { return p.signal.FD() }

// DrainCompletions drains the eventfd and every buffered result,
// invoking onReady for each one that waited successfully, transitioning
// its image to PresentReady.
func (p *FenceWaitPool) DrainCompletions(onReady func(c *Client, index int)) {
	if err := p.signal.Drain(); err != nil {
		p.log.Warn().Err(err).Msg("flingserver: fence pool drain failed")
	}
	for {
		select {
		case res := <-p.results:
			if res.err != nil {
				p.log.Warn().Err(res.err).Msg("flingserver: fence wait failed")
				continue
			}
			if res.ok {
				onReady(res.client, res.index)
			}
		default:
			return
		}
	}
}

// Close stops accepting new jobs. Outstanding workers drain jobs still
// queued before exiting.
func (p *FenceWaitPool) Close() error {
	close(p.jobs)
	return p.signal.Close()
}

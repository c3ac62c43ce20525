package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Pool runs the workers of one message group and reports the most severe
// way any of them stopped.
type Pool struct {
	group   Group
	workers []*Worker
	logger  *slog.Logger
}

// PoolConfig wires a group's workers.
type PoolConfig struct {
	Group     Group
	Service   *Service
	Registry  *Registry
	Tracking  *TrackingService
	Lifecycle *Lifecycle
	// ConsumersPerQueue is the number of workers started for each of the
	// group's queues. Defaults to 1.
	ConsumersPerQueue int
	Worker            WorkerOptions
}

// NewPool builds workers for every queue of cfg.Group. Each worker accepts the
// message types routed to its queue.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if err := cfg.Group.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConsumersPerQueue <= 0 {
		cfg.ConsumersPerQueue = 1
	}
	cfg.Worker = cfg.Worker.withDefaults()

	accepts := make(map[string][]MessageType)
	for _, t := range cfg.Group.MessageTypes() {
		if _, err := cfg.Registry.Get(t); err != nil {
			return nil, fmt.Errorf("group %s cannot start: %w", cfg.Group, err)
		}
		queue := cfg.Service.QueueFor(t)
		accepts[queue] = append(accepts[queue], t)
	}

	p := &Pool{group: cfg.Group, logger: cfg.Worker.Logger}
	for _, queue := range cfg.Service.names.ForGroup(cfg.Group) {
		provider, err := cfg.Service.Provider(queue)
		if err != nil {
			return nil, err
		}
		for i := 0; i < cfg.ConsumersPerQueue; i++ {
			p.workers = append(p.workers, NewWorker(provider, accepts[queue], cfg.Registry, cfg.Tracking, cfg.Lifecycle, cfg.Worker))
		}
	}
	return p, nil
}

// Workers returns the pool's workers.
func (p *Pool) Workers() []*Worker { return p.workers }

// Run starts every worker and waits for all of them. The first worker to
// stop for any reason other than finishing stops its peers. The returned
// error is the most severe of the workers' results.
func (p *Pool) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]error, len(p.workers))
	var wg sync.WaitGroup
	for i, w := range p.workers {
		wg.Add(1)
		go func(i int, w *Worker) {
			defer wg.Done()
			err := w.Run(ctx)
			results[i] = err
			if !errors.Is(err, ErrWorkerFinished) {
				cancel()
			}
		}(i, w)
	}
	wg.Wait()

	var worst error
	for _, err := range results {
		if Severity(err) > Severity(worst) {
			worst = err
		}
	}
	p.logger.Info("worker pool stopped",
		"event", "pool_stopped",
		"group", p.group,
		"workers", len(p.workers),
		"result", fmt.Sprint(worst),
	)
	return worst
}

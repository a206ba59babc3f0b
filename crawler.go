package main

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// controlDelay is the cadence of the control loop's report/refill/drain tick.
const controlDelay = time.Second

// Crawler turns the frontier into a running crawl: a fixed pool of workers
// fed through a task queue, finished attempts flowing back through a result
// queue, and one control goroutine that owns all store access.
type Crawler struct {
	cfg   *NetworkConfig
	store *nodeStore
	log   *log.Entry

	tasks   chan Node
	results chan *attempt
}

func newCrawler(cfg *NetworkConfig, store *nodeStore) *Crawler {
	// sized at several refill batches so neither the control loop nor a
	// worker blocks on queue capacity in steady state
	depth := cfg.batchSize() * 4

	return &Crawler{
		cfg:     cfg,
		store:   store,
		log:     cfg.log,
		tasks:   make(chan Node, depth),
		results: make(chan *attempt, depth),
	}
}

// Run seeds the frontier, starts the workers and drives the control loop
// until ctx is cancelled, then waits for in-flight attempts and flushes
// their results.
func (c *Crawler) Run(ctx context.Context) error {
	c.seed()

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go c.worker(ctx, &wg)
	}

	tick := time.NewTicker(controlDelay)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			c.report()
			c.refill()
			c.drain(c.cfg.batchSize())
		case <-ctx.Done():
			c.log.Info("Shutting down crawler")
			wg.Wait()
			c.drain(0)
			return nil
		}
	}
}

// seed resolves the configured DNS seeds and hands the results to the store.
// An empty seed result is never fatal: a populated frontier can carry the
// crawl through a DNS outage on its own.
func (c *Crawler) seed() {
	nodes := seedNodes(c.cfg)
	if len(nodes) == 0 {
		if total, err := c.store.nodesTotal(); err == nil && total > 0 {
			c.log.Warnf("No seed addresses found, continuing with %d known nodes", total)
		} else {
			c.log.Error("No seed addresses found")
		}
		return
	}

	c.log.Infof("Seeding frontier with %d addresses", len(nodes))
	if err := c.store.insertNodes(nodes); err != nil {
		c.log.Errorf("Cannot persist seed addresses: %v", err)
	}
}

// worker pulls one node at a time and runs a single bounded attempt against
// it. Attempt failures are logged and reported, never fatal to the worker.
func (c *Crawler) worker(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case nd := <-c.tasks:
			a := newAttempt(c.cfg, nd)
			if err := a.run(); err != nil {
				c.log.Debugf("Failed crawl of %s: %v", nd.key(), err)
			}

			select {
			case c.results <- a:
			case <-ctx.Done():
				return
			}
		}
	}
}

// report logs queue depths and frontier counts. Observability only; a
// failing count query degrades the line rather than suppressing it.
func (c *Crawler) report() {
	visited, verr := c.store.nodesVisited()
	if verr != nil {
		c.log.Errorf("Cannot count visited nodes: %v", verr)
	}
	total, terr := c.store.nodesTotal()
	if terr != nil {
		c.log.Errorf("Cannot count nodes: %v", terr)
	}

	if verr != nil || terr != nil {
		c.log.Infof("Crawl status: tasks=%d results=%d", len(c.tasks), len(c.results))
		return
	}

	c.log.Infof("Crawl status: tasks=%d results=%d visited=%d total=%d",
		len(c.tasks), len(c.results), visited, total)
}

// refill tops the task queue back up from the frontier when it runs below
// one batch.
func (c *Crawler) refill() {
	batch := c.cfg.batchSize()
	if len(c.tasks) >= batch {
		return
	}

	nodes, err := c.store.nextNodes(batch)
	if err != nil {
		c.log.Errorf("Cannot fetch next batch: %v", err)
		return
	}

	for _, nd := range nodes {
		c.tasks <- nd
	}
}

// drain flushes finished attempts into the store once more than min of them
// are waiting, batching to amortize store round-trips.
func (c *Crawler) drain(min int) {
	if len(c.results) <= min {
		return
	}

	batch := make([]*attempt, 0, len(c.results))
	for {
		select {
		case a := <-c.results:
			batch = append(batch, a)
		default:
			if err := c.store.processCrawlerOutputs(batch); err != nil {
				c.log.Errorf("Cannot record crawl outputs: %v", err)
			}
			return
		}
	}
}

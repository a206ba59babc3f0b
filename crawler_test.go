package main

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerFailureIsolation(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutSecs = 5

	// a peer that refuses the connection
	deadLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadNode := listenerNode(t, deadLn)
	require.NoError(t, deadLn.Close())

	// and a healthy one behind it in the queue
	liveLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer liveLn.Close()
	go servePeer(t, liveLn, cfg, testAddrs(5))

	c := newCrawler(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go c.worker(ctx, &wg)

	c.tasks <- deadNode
	c.tasks <- listenerNode(t, liveLn)

	failed := <-c.results
	require.Error(t, failed.err)
	assert.Nil(t, failed.peerVersion)

	// the same worker must carry on to the next task
	ok := <-c.results
	require.NoError(t, ok.err)
	require.NotNil(t, ok.peerVersion)
	assert.Len(t, ok.discovered, 5)

	cancel()
	wg.Wait()
}

func TestCrawlEndToEnd(t *testing.T) {
	cfg := testConfig()
	cfg.TimeoutSecs = 5
	cfg.DBPath = filepath.Join(t.TempDir(), "crawl.db")

	store, err := openStore(cfg)
	require.NoError(t, err)
	defer store.close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go servePeer(t, ln, cfg, testAddrs(5))

	// one seeded node in the frontier
	require.NoError(t, store.insertNodes([]Node{listenerNode(t, ln)}))
	total, err := store.nodesTotal()
	require.NoError(t, err)
	require.Equal(t, 1, total)

	c := newCrawler(cfg, store)

	c.refill()
	require.Equal(t, 1, len(c.tasks), "the seeded node must be issued as a task")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go c.worker(ctx, &wg)

	var a *attempt
	select {
	case a = <-c.results:
	case <-time.After(10 * time.Second):
		t.Fatal("no crawl result produced")
	}
	cancel()
	wg.Wait()

	require.NoError(t, a.err)
	require.NotNil(t, a.peerVersion)
	require.Len(t, a.discovered, 5)

	require.NoError(t, store.processCrawlerOutputs([]*attempt{a}))

	total, err = store.nodesTotal()
	require.NoError(t, err)
	assert.Equal(t, 6, total, "5 discoveries joined the seeded node")

	visited, err := store.nodesVisited()
	require.NoError(t, err)
	assert.Equal(t, 1, visited)
}

func TestSeedFailureIsNotFatal(t *testing.T) {
	cfg := testConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "crawl.db")
	cfg.Seeders = []string{"seed.example.com"}
	cfg.Resolver = "127.0.0.1:1" // nothing listens here

	store, err := openStore(cfg)
	require.NoError(t, err)
	defer store.close()

	// the frontier already knows a node from an earlier run
	require.NoError(t, store.insertNodes([]Node{newNode("1.2.3.4", 8333)}))

	c := newCrawler(cfg, store)
	c.seed()

	// the crawl proceeds from the stored frontier
	c.refill()
	assert.Equal(t, 1, len(c.tasks), "a dead seed must not stop a crawl the frontier can feed")
}

func TestReportSurvivesStoreFailure(t *testing.T) {
	cfg := testConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "crawl.db")

	store, err := openStore(cfg)
	require.NoError(t, err)
	require.NoError(t, store.close(), "a closed store makes every count query fail")

	logger, hook := logtest.NewNullLogger()
	cfg.log = logger.WithField("network", "test")

	c := newCrawler(cfg, store)
	c.tasks <- newNode("10.0.0.1", 18333)
	c.report()

	var status string
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, "Crawl status:") {
			status = e.Message
		}
	}
	require.NotEmpty(t, status, "queue depths must be reported even when the counts fail")
	assert.Contains(t, status, "tasks=1")
	assert.NotContains(t, status, "visited=")
}

func TestDrainBelowThresholdIsANoop(t *testing.T) {
	cfg := testConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "crawl.db")

	store, err := openStore(cfg)
	require.NoError(t, err)
	defer store.close()

	c := newCrawler(cfg, store)
	c.results <- &attempt{node: newNode("10.0.0.1", 18333)}

	c.drain(c.cfg.batchSize())
	assert.Equal(t, 1, len(c.results), "results below the batch threshold stay queued")

	c.drain(0)
	assert.Zero(t, len(c.results), "a forced drain flushes everything")
}

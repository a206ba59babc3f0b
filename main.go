package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

func main() {
	var netfile, loglevel string
	var reset bool
	flag.StringVar(&netfile, "netfile", "", "Network config file to load")
	flag.StringVar(&loglevel, "loglevel", "warn", "Log level")
	flag.BoolVar(&reset, "reset", false, "Drop and recreate the node tables before crawling")
	flag.Parse()

	level, err := log.ParseLevel(loglevel)
	if err != nil {
		log.SetLevel(log.WarnLevel)
	} else {
		log.SetLevel(level)
	}

	if netfile == "" {
		fmt.Printf("Error - no netfile specified. Please add -netfile=<file> to load a network\n")
		os.Exit(1)
	}

	cfg, err := loadNetwork(netfile)
	if err != nil {
		fmt.Printf("Error loading data from netfile %s - %v\n", netfile, err)
		os.Exit(1)
	}

	store, err := openStore(cfg)
	if err != nil {
		fmt.Printf("Error opening node store - %v\n", err)
		os.Exit(1)
	}
	defer store.close()

	if reset {
		if err := store.dropAndCreateTables(); err != nil {
			fmt.Printf("Error resetting node store - %v\n", err)
			os.Exit(1)
		}
	}

	log.Printf("status - system is configured for network: %s\n", cfg.Name)

	// the crawl itself runs until a signal arrives; workers notice the
	// cancellation at their next suspension point
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newCrawler(cfg, store).Run(ctx); err != nil {
		log.Errorf("Crawler stopped: %v", err)
		os.Exit(1)
	}
}

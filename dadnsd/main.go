/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */

package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/directdnsonly/directdnsonly/dadns"
)

const DefaultCfgFile = "/etc/directdnsonly/dadnsd.yaml"

var (
	cfgFile string
	debug   bool
	verbose bool
)

func mainloop(conf *dadns.Config) {
	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	hupper := make(chan os.Signal, 1)
	signal.Notify(hupper, syscall.SIGHUP)

	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		for {
			select {
			case <-exit:
				log.Println("mainloop: Exit signal received. Cleaning up.")
				wg.Done()
			case <-hupper:
				log.Println("mainloop: SIGHUP received. Re-reading config.")
				if err := dadns.ParseConfig(conf, cfgFile); err != nil {
					log.Printf("mainloop: config reload failed: %v", err)
				}
			case <-conf.Internal.APIStopCh:
				log.Println("mainloop: Stop command received. Cleaning up.")
				wg.Done()
			}
		}
	}()
	wg.Wait()

	fmt.Println("mainloop: leaving signal dispatcher")
}

func main() {
	var conf dadns.Config

	flag.StringVarP(&cfgFile, "config", "c", DefaultCfgFile, "Config file")
	flag.BoolVarP(&debug, "debug", "d", false, "Debug mode")
	flag.BoolVarP(&verbose, "verbose", "v", false, "Verbose mode")
	flag.Parse()

	if err := dadns.ParseConfig(&conf, cfgFile); err != nil {
		log.Fatalf("Error parsing config: %v", err)
	}

	logfile := viper.GetString("log.file")
	if err := dadns.SetupLogging(logfile); err != nil {
		log.Fatalf("Error setting up logging: %v", err)
	}
	fmt.Printf("Logging to file: %s\n", logfile)

	fmt.Printf("DADNSD version %s starting.\n", dadns.Version)

	catalog, err := dadns.NewCatalog(conf.Datastore)
	if err != nil {
		log.Fatalf("Error opening catalog: %v", err)
	}
	defer catalog.Close()
	conf.Internal.Catalog = catalog

	registry := dadns.NewBackendRegistry(conf.Dns)
	if len(registry.Names()) == 0 {
		log.Printf("Warning: no backends enabled and available")
	} else {
		log.Printf("Available backend instances: %v", registry.Names())
	}
	conf.Internal.Registry = registry

	workers, err := dadns.NewWorkerManager(catalog, registry, conf.QueueLocation)
	if err != nil {
		log.Fatalf("Error opening queues under %s: %v", conf.QueueLocation, err)
	}
	workers.Start()
	conf.Internal.Workers = workers
	defer workers.Stop()

	peersync := dadns.NewPeerSyncWorker(catalog, conf.PeerSync)
	peersync.Start()
	conf.Internal.PeerSync = peersync
	defer peersync.Stop()

	reconciler := dadns.NewReconciler(catalog, workers, registry, conf.Reconciliation, conf.App)
	reconciler.Start()
	conf.Internal.Reconciler = reconciler
	defer reconciler.Stop()

	conf.Internal.APIStopCh = make(chan struct{})
	router, err := dadns.SetupRouter(&conf)
	if err != nil {
		log.Fatalf("Error setting up API router: %v", err)
	}
	if err := dadns.APIdispatcher(&conf, router, conf.Internal.APIStopCh); err != nil {
		log.Fatalf("Error starting API dispatcher: %v", err)
	}
	log.Printf("Server started on port %d", conf.App.ListenPort)

	mainloop(&conf)
}

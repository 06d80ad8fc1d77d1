package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"safelink/codec"
	"safelink/config"
	"safelink/engine"
	"safelink/ignore"
	"safelink/parser"
	"safelink/rules"
	"safelink/server"
	"safelink/store"
	"safelink/updater"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	dataDir := flag.String("data", "", "Path to data directory (overrides data_dir)")
	parsePath := flag.String("parse", "", "Parse a local registry export, write the phrases document and exit")
	outPath := flag.String("out", "blocked-phrases.json", "Output path for -parse")
	flag.Parse()

	// 1. Load Config
	cfgMgr := config.NewManager(*configPath)
	if err := cfgMgr.Load(); err != nil {
		log.Printf("Warning: Failed to load config: %v. Using defaults.", err)
	} else {
		log.Printf("Configuration loaded successfully from %s", *configPath)
	}
	cfg := cfgMgr.Get()
	dir := cfg.DataDir
	if *dataDir != "" {
		dir = *dataDir
	}

	if *parsePath != "" {
		if err := exportPhrases(cfg, *parsePath, *outPath); err != nil {
			log.Fatalf("Export failed: %v", err)
		}
		return
	}

	log.Printf("Starting SafeLink...")

	// 2. Open Store
	st, err := store.Open(filepath.Join(dir, "store.json"))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}

	// 3. Compile Rules (Initial)
	loader := parser.NewLoader(filepath.Join(dir, "cache"), cfg.Registry.FetchTimeout)
	compiler := rules.NewCompiler(st, loader, rules.Options{
		RegistryURL:        cfg.Registry.URL,
		LocalRegistryPath:  cfg.Registry.LocalPath,
		FreshFor:           cfg.Registry.FreshFor,
		MinAttemptInterval: cfg.Registry.MinAttemptInterval,
		SearchEngines:      cfg.SearchEngines,
		Exceptions:         cfg.Exceptions,
		BaselineSites:      cfg.Baseline.Sites,
		BaselinePhrases:    cfg.Baseline.Phrases,
	})
	ctx, cancel := context.WithCancel(context.Background())
	if err := compiler.Reload(ctx); err != nil {
		log.Printf("Warning: initial rule load failed: %v", err)
	}

	// 4. Engine and Ignore Cache
	ignored := ignore.New(st, cfg.Ignore.TTL, nil)
	redirects := server.NewRedirects(cfg.Ignore.TTL, nil)
	eng := engine.New(compiler, st, ignored, engine.Options{
		Pages: engine.WarningPages{
			Site:   cfg.WarningPages.Site,
			Phrase: cfg.WarningPages.Phrase,
		},
		Navigator: redirects,
	})
	go ignored.Run(ctx, cfg.Ignore.SweepInterval)
	go redirects.Run(ctx, cfg.Ignore.SweepInterval)

	// 5. Start Updater
	upd := updater.New(compiler, st, cfg.Registry.CheckInterval, cfg.Registry.AutoUpdate)
	go upd.Run(ctx)

	// 6. Start API Server
	httpSrv := server.NewHTTPServer(cfg.Server.ListenAddr, server.NewAPI(compiler, eng, ignored, redirects))
	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Fatalf("API Server failed: %v", err)
		}
	}()

	// 7. Start DNS Sinkhole
	var dnsSrv *server.DNSServer
	if cfg.DNS.Enabled {
		dnsSrv = server.NewDNSServer(cfg.DNS.ListenAddr, cfg.DNS.Upstream, eng)
		go func() {
			if err := dnsSrv.Start(); err != nil {
				log.Fatalf("DNS Server failed: %v", err)
			}
		}()
	}

	log.Printf("SafeLink is running on %s", cfg.Server.ListenAddr)

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	s := <-sigChan
	log.Printf("Received signal %v, shutting down...", s)

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := httpSrv.Stop(shutdownCtx); err != nil {
		log.Printf("API shutdown: %v", err)
	}
	if dnsSrv != nil {
		if err := dnsSrv.Stop(); err != nil {
			log.Printf("DNS shutdown: %v", err)
		}
	}
	if err := st.Close(); err != nil {
		log.Printf("Failed to flush store: %v", err)
	}
}

// exportPhrases parses a local registry export and writes the bundled
// phrases document.
func exportPhrases(cfg *config.Config, in, out string) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	text, degraded := codec.DecodeRegistry(data)
	if degraded {
		log.Printf("Warning: %s decoded as UTF-8", in)
	}

	exceptions := append(slices.Clone(rules.DefaultExceptions), cfg.Exceptions...)
	res := parser.New(exceptions).Parse(text)
	if len(res.Phrases) == 0 {
		return fmt.Errorf("%s: %w", in, rules.ErrNoRecords)
	}

	engines := cfg.SearchEngines
	if len(engines) == 0 {
		engines = rules.DefaultSearchEngines
	}
	var domains []string
	for d := range engines {
		domains = append(domains, d)
	}

	if err := parser.WritePhrasesDocument(out, parser.NewPhrasesDocument(res, domains)); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	log.Printf("Exported %d phrases (%d records, %d skipped) to %s",
		len(res.Phrases), res.Stats.ValidRecords, res.Stats.SkippedRecords, out)
	return nil
}

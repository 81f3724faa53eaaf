package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mwc10/harmony-dl/pkg/config"
	"github.com/mwc10/harmony-dl/pkg/manifest"
	"github.com/mwc10/harmony-dl/pkg/metrics"
	"github.com/mwc10/harmony-dl/pkg/progress"
	"github.com/mwc10/harmony-dl/pkg/session"
)

func main() {
	// Parse command line arguments
	xmlPath := flag.String("xml", "", "Harmony export XML file (Index.idx.xml)")
	configPath := flag.String("config", "", "YAML configuration file")
	outDir := flag.String("out", "", "Output directory")
	action := flag.String("action", "", "Output action: max or planes")
	channels := flag.String("channels", "", "Channel IDs to download, e.g. 1,2 (default: all)")
	wells := flag.String("wells", "", "Wells to download, e.g. R01C01,R02C03 (default: all)")
	fields := flag.String("fields", "", "Fields to download, e.g. 1-9 (default: all)")
	planes := flag.String("planes", "", "Planes to download, e.g. 1,3-5 (default: all)")
	workers := flag.Int("workers", 0, "Number of concurrent workers (default: all CPUs)")
	infoOnly := flag.Bool("info", false, "Print the plate summary as JSON and exit")
	manifestPath := flag.String("manifest", "", "Run history database")
	history := flag.Bool("history", false, "List the runs recorded in the manifest and exit")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address")
	progressAddr := flag.String("progress-addr", "", "Serve progress events over websocket on this address")
	initConfig := flag.String("init-config", "", "Write a default configuration file to this path and exit")
	flag.Parse()

	if *initConfig != "" {
		if err := config.CreateDefaultConfigFile(*initConfig); err != nil {
			log.Fatalf("Failed to write config: %v", err)
		}
		fmt.Printf("Default configuration written to %s\n", *initConfig)
		return
	}

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	// Flags given on the command line win over the config file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "out":
			cfg.Output.Dir = *outDir
		case "action":
			cfg.Output.Action = *action
		case "channels":
			cfg.Filter.Channels = *channels
		case "wells":
			cfg.Filter.Wells = *wells
		case "fields":
			cfg.Filter.Fields = *fields
		case "planes":
			cfg.Filter.Planes = *planes
		case "workers":
			cfg.Processing.NumWorkers = *workers
		case "manifest":
			cfg.Output.Manifest = *manifestPath
		case "metrics-addr":
			cfg.Server.MetricsAddr = *metricsAddr
		case "progress-addr":
			cfg.Server.ProgressAddr = *progressAddr
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	var store *manifest.Store
	if cfg.Output.Manifest != "" {
		var err error
		if store, err = manifest.Open(cfg.Output.Manifest); err != nil {
			log.Fatalf("Failed to open manifest: %v", err)
		}
		defer store.Close()
	}

	if *history {
		if store == nil {
			log.Fatalf("-history needs -manifest or output.manifest")
		}
		if err := printHistory(store); err != nil {
			log.Fatalf("Failed to read history: %v", err)
		}
		return
	}

	if *xmlPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	if cfg.Server.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		srv := serve(cfg.Server.MetricsAddr, mux, logger)
		defer shutdown(srv)
	}

	var sinks []progress.Sink
	if cfg.Server.ProgressAddr != "" {
		hub := progress.NewHub(logger)
		defer hub.Close()
		mux := http.NewServeMux()
		mux.Handle("/progress", hub)
		srv := serve(cfg.Server.ProgressAddr, mux, logger)
		defer shutdown(srv)
		sinks = append(sinks, hub)
	}

	opts := session.Options{
		Fetch:      cfg.FetchConfig(logger),
		NumWorkers: cfg.Processing.NumWorkers,
		Logger:     logger,
		Metrics:    m,
	}
	if store != nil {
		opts.Manifest = store
	}
	s := session.New(opts)

	info, err := s.ParseXML(*xmlPath)
	if err != nil {
		log.Fatalf("Failed to parse %s: %v", *xmlPath, err)
	}

	if *infoOnly {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(info); err != nil {
			log.Fatalf("Failed to print info: %v", err)
		}
		return
	}

	output, err := cfg.ProjectionOutput()
	if err != nil {
		log.Fatalf("Invalid output: %v", err)
	}
	if err := s.SetOutput(output); err != nil {
		log.Fatalf("Invalid output: %v", err)
	}
	if err := s.SetFilterSpec(cfg.Filter); err != nil {
		log.Fatalf("Invalid filter: %v", err)
	}

	dl, err := s.DownloadInfo()
	if err != nil {
		log.Fatalf("Download not ready: %v", err)
	}

	fmt.Println("================================")
	fmt.Printf("Plate: %s (%dx%d)\n", dl.Name, dl.Rows, dl.Cols)
	fmt.Printf("Action: %s -> %s\n", dl.Output.Action, dl.Output.Dir)
	fmt.Printf("Selected images: %d\n", dl.Images)
	fmt.Println("================================")

	sinks = append(sinks, progress.NewTerminal(os.Stdout, dl.Images))

	startTime := time.Now()
	if err := s.StartDownload(ctx, progress.Multi(sinks...)); err != nil {
		fmt.Println()
		log.Fatalf("Download failed: %v", err)
	}
	fmt.Printf("Download completed in %.2f seconds\n", time.Since(startTime).Seconds())
}

func serve(addr string, handler http.Handler, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", "addr", addr, "error", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func printHistory(store *manifest.Store) error {
	runs, err := store.Runs()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSTATUS\tPLATE\tACTION\tFILES\tOUTPUT\tID")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.StartedAt.Format(time.DateTime), r.Status, r.Plate, r.Action, r.Files, r.OutputDir, r.ID)
	}
	return w.Flush()
}

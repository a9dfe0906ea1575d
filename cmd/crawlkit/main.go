package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/kestrelrun/crawlkit/internal/autoscale"
	"github.com/kestrelrun/crawlkit/internal/browserpool"
	"github.com/kestrelrun/crawlkit/internal/config"
	"github.com/kestrelrun/crawlkit/internal/crawlercore"
	"github.com/kestrelrun/crawlkit/internal/eventbus"
	"github.com/kestrelrun/crawlkit/internal/kvstore"
	"github.com/kestrelrun/crawlkit/internal/logging"
	"github.com/kestrelrun/crawlkit/internal/request"
	"github.com/kestrelrun/crawlkit/internal/requestlist"
	"github.com/kestrelrun/crawlkit/internal/requestqueue"
	"github.com/kestrelrun/crawlkit/internal/robots"
	"github.com/kestrelrun/crawlkit/internal/sessionpool"
	"github.com/kestrelrun/crawlkit/internal/snapshot"
	"github.com/kestrelrun/crawlkit/internal/sysstatus"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

var (
	configFile string
	logLevel   string

	targetURL  string
	urlFile    string
	crawlName  string
	maxWorkers int
	headless   bool
	useBadger  bool
	maxPerRun  int
)

var appCfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "crawlkit",
	Short:   "Browser-backed crawling engine",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		if err := logging.Init(logging.Config{
			Level:      cfg.Logging.Level,
			LogDir:     cfg.Logging.LogDir,
			MaxSize:    cfg.Logging.MaxSize,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAge:     cfg.Logging.MaxAge,
			Compress:   cfg.Logging.Compress,
		}); err != nil {
			return fmt.Errorf("init logging: %w", err)
		}
		appCfg = cfg
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if targetURL == "" && urlFile == "" {
			return cmd.Help()
		}
		return runCrawl(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("crawlkit %s (built %s)\n", Version, BuildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace|debug|info|warn|error)")

	rootCmd.Flags().StringVarP(&targetURL, "url", "u", "", "seed URL (required unless --url-file is set)")
	rootCmd.Flags().StringVarP(&urlFile, "url-file", "f", "", "file with one seed URL per line")
	rootCmd.Flags().StringVarP(&crawlName, "name", "n", "crawl", "crawl name, used to namespace persisted state")
	rootCmd.Flags().IntVar(&maxWorkers, "concurrency", 4, "maximum concurrent tasks")
	rootCmd.Flags().BoolVar(&headless, "headless", true, "run the browser headless")
	rootCmd.Flags().BoolVar(&useBadger, "badger", false, "persist state in an embedded badger store instead of the local file tree")
	rootCmd.Flags().IntVar(&maxPerRun, "max-requests", 0, "stop after handling this many requests (0 = unlimited)")

	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCrawl(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Warn().Str("signal", sig.String()).Msg("shutdown requested, draining in-flight tasks")
		cancel()
	}()

	seeds, err := loadSeeds()
	if err != nil {
		return err
	}

	storeDir := filepath.Join(appCfg.Storage.LocalStorageDir, crawlName)
	store, err := openStore(storeDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	list := requestlist.New(store, "request-lists", crawlName)
	sources := make([]requestlist.Source, 0, len(seeds))
	for _, u := range seeds {
		req, err := request.New(u, "GET", nil)
		if err != nil {
			log.Warn().Err(err).Str("url", u).Msg("skipping invalid seed url")
			continue
		}
		sources = append(sources, requestlist.Source{Request: req})
	}
	if err := list.Initialize(ctx, sources, nil, false); err != nil {
		return fmt.Errorf("initialize seed list: %w", err)
	}

	queue := requestqueue.New(store, crawlName+"-queue")
	if err := queue.Load(ctx); err != nil {
		return fmt.Errorf("load request queue: %w", err)
	}

	snapCfg := snapshot.DefaultConfig()
	if appCfg.Storage.MemoryMBytes > 0 {
		snapCfg.MemMaxOverrideBytes = uint64(appCfg.Storage.MemoryMBytes) * 1024 * 1024
	}
	snap := snapshot.New(snapCfg)
	snap.Start(ctx)
	defer snap.Stop()
	status := sysstatus.New(sysstatus.DefaultConfig(), snap)

	backend := browserpool.RodBackend{Headless: headless}
	poolCfg := browserpool.DefaultConfig()
	poolCfg.MaxOpenPagesPerInstance = appCfg.Browser.MaxOpenPagesPerInstance
	poolCfg.RetireInstanceAfterReqs = appCfg.Browser.RetireInstanceAfterCount
	poolCfg.KillInstanceAfterIdle = time.Duration(appCfg.Browser.KillInstanceAfterMillis) * time.Millisecond
	poolCfg.ReusePages = appCfg.Browser.ReusePages
	browsers := browserpool.New(backend, poolCfg, nil)
	defer browsers.Close()

	sessions := sessionpool.New(sessionpool.DefaultConfig(), func() (*sessionpool.Session, error) {
		return sessionpool.NewSession("", 30*time.Minute)
	}, store, crawlName+"-sessions")
	if err := sessions.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to restore session pool state, starting fresh")
	}
	defer func() {
		if err := sessions.PersistState(context.Background()); err != nil {
			log.Warn().Err(err).Msg("failed to persist session pool state on shutdown")
		}
	}()

	bus := eventbus.New()
	polite := robots.NewAgent(robots.DefaultConfig("crawlkit"), nil)

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("crawling"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
	)

	handleRequest := func(ctx context.Context, req *request.Request) error {
		defer bar.Add(1)

		target, err := parseURL(req.URL)
		if err != nil {
			return err
		}
		if !polite.Allowed(ctx, target) {
			req.NoRetry = true
			return fmt.Errorf("disallowed by robots.txt: %s", req.URL)
		}

		// Acquired for its proxy/cookie-jar lifecycle bookkeeping and
		// error scoring; wiring the jar into the browser context is
		// left to callers that need per-session cookie isolation.
		sess, err := sessions.Acquire()
		if err != nil {
			return fmt.Errorf("acquire session: %w", err)
		}

		page, err := browsers.NewPage(ctx)
		if err != nil {
			sessions.Release(sess, false)
			return fmt.Errorf("open page: %w", err)
		}
		defer page.Recycle()

		html, loadErr := fetchPageHTML(ctx, page, req.URL)
		if loadErr != nil {
			sessions.Release(sess, false)
			return loadErr
		}
		sessions.Release(sess, true)

		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return fmt.Errorf("parse document: %w", err)
		}
		title := doc.Find("title").First().Text()
		log.Info().Str("url", req.URL).Str("title", title).Msg("page handled")

		return nil
	}

	handleFailed := func(ctx context.Context, req *request.Request, cause error) error {
		log.Error().Err(cause).Str("url", req.URL).Msg("request exhausted retries, giving up")
		return nil
	}

	poolCfg2 := autoscale.DefaultConfig()
	poolCfg2.MinConcurrency = 1
	poolCfg2.MaxConcurrency = maxWorkers

	crawlCfg := crawlercore.DefaultConfig()
	crawlCfg.MaxRequestsPerCrawl = maxPerRun

	core, err := crawlercore.New(crawlCfg, list, queue, bus, poolCfg2, status, handleRequest, handleFailed)
	if err != nil {
		return fmt.Errorf("build crawler core: %w", err)
	}

	if err := core.Run(ctx); err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}

	fmt.Println()
	fmt.Printf("handled %d requests\n", core.HandledCount())
	return nil
}

func loadSeeds() ([]string, error) {
	if urlFile != "" {
		return readURLsFromFile(urlFile)
	}
	return []string{targetURL}, nil
}

func openStore(dir string) (kvstore.Store, error) {
	if useBadger {
		return kvstore.NewBadgerStore(dir)
	}
	return kvstore.NewLocalStore(dir)
}

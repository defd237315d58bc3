package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"chunkrelay/internal/api"
	"chunkrelay/internal/config"
	"chunkrelay/internal/files"
	"chunkrelay/internal/logging"
	"chunkrelay/internal/remote"
	"chunkrelay/internal/store"
)

func printStats(svc *files.Service, cfg *config.Config) {
	stats, err := svc.Stats(context.Background())
	if err != nil {
		logging.Internal.Fatalf("failed to get stats: %v", err)
	}

	var manifests, locators, expiring int
	var total int64
	fmt.Println("╔══════════════════════════════════════════╗")
	fmt.Println("║          chunkrelay Statistics           ║")
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Chunk Size:      %-22s║\n", humanize.IBytes(uint64(cfg.ChunkSize)))
	fmt.Printf("║  Refresh Window:  %-22s║\n", cfg.RefreshWindow)
	for _, st := range stats {
		fmt.Println("╠══════════════════════════════════════════╣")
		fmt.Printf("║  Shard %-34s║\n", st.Shard)
		fmt.Printf("║  ├─ Files:        %-22d║\n", st.Manifests)
		fmt.Printf("║  ├─ Stored:       %-22s║\n", humanize.IBytes(uint64(st.ManifestBytes)))
		fmt.Printf("║  ├─ Locators:     %-22d║\n", st.Locators)
		fmt.Printf("║  └─ Expiring:     %-22d║\n", st.Expiring)
		manifests += st.Manifests
		locators += st.Locators
		expiring += st.Expiring
		total += st.ManifestBytes
	}
	fmt.Println("╠══════════════════════════════════════════╣")
	fmt.Printf("║  Total Files:     %-22d║\n", manifests)
	fmt.Printf("║  Total Storage:   %-22s║\n", humanize.IBytes(uint64(total)))
	fmt.Printf("║  Total Locators:  %-22d║\n", locators)
	fmt.Printf("║  Expiring Soon:   %-22d║\n", expiring)
	fmt.Println("╚══════════════════════════════════════════╝")
}

// buildHosts creates the document hosts in failover order. In the memory
// backend the returned handler serves the issued direct URLs.
func buildHosts(cfg *config.Config, publicURL string) ([]remote.Host, http.Handler, error) {
	switch cfg.RemoteBackend {
	case "telegram":
		hosts, err := remote.NewTelegramHosts(cfg.TelegramTokens, cfg.TelegramChatID, cfg.TelegramAPIURL, cfg.UploadTimeout, cfg.ResolveTimeout)
		if err != nil {
			return nil, nil, err
		}
		logging.Internal.Printf("using Telegram document host (%d credential(s), chat %s)", len(hosts), cfg.TelegramChatID)
		return hosts, nil, nil
	case "s3":
		s3, err := remote.NewS3(remote.S3Config{
			Endpoint: cfg.S3Endpoint,
			KeyID:    cfg.S3KeyID,
			AppKey:   cfg.S3AppKey,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Secure:   cfg.S3Secure,
			URLTTL:   cfg.URLTTL + 5*time.Minute,
		})
		if err != nil {
			return nil, nil, err
		}
		logging.Internal.Printf("using S3 document host (bucket: %s)", cfg.S3Bucket)
		return []remote.Host{s3}, nil, nil
	case "memory":
		mem := remote.NewMemory("dev", cfg.URLTTL+5*time.Minute)
		mem.BaseURL = publicURL
		logging.Internal.Printf("using in-memory document host (objects served under %s/obj/)", publicURL)
		return []remote.Host{mem}, mem, nil
	}
	return nil, nil, fmt.Errorf("unknown remote backend %q", cfg.RemoteBackend)
}

func main() {
	addr := flag.String("addr", ":8080", "HTTP listen address")
	publicURL := flag.String("public-url", "", "Externally visible base URL (default http://localhost<addr>)")
	showStats := flag.Bool("stats", false, "Show shard statistics and exit")
	devMode := flag.Bool("dev", false, "Development mode: in-memory document host, no CORS restrictions or rate limiting")
	flag.Parse()

	if *devMode && os.Getenv("REMOTE_BACKEND") == "" {
		os.Setenv("REMOTE_BACKEND", "memory")
	}
	cfg, err := config.Load()
	if err != nil {
		logging.Internal.Fatalf("invalid configuration: %v", err)
	}
	if *publicURL == "" {
		*publicURL = "http://localhost" + *addr
		if !strings.HasPrefix(*addr, ":") {
			*publicURL = "http://" + *addr
		}
	}

	// Initialize shards
	pool, err := store.OpenPool(cfg.KVShards)
	if err != nil {
		logging.Internal.Fatalf("failed to open shards: %v", err)
	}
	defer pool.Close()
	logging.Internal.Printf("opened %d shard(s): %s", len(cfg.KVShards), strings.Join(cfg.KVShards, ", "))

	hosts, objects, err := buildHosts(cfg, strings.TrimRight(*publicURL, "/"))
	if err != nil {
		logging.Internal.Fatalf("failed to initialize document host: %v", err)
	}

	cache, err := files.NewRistrettoCache(cfg.CacheMaxItems)
	if err != nil {
		logging.Internal.Fatalf("failed to create cache: %v", err)
	}
	defer cache.Close()

	bg := files.NewBackground(256, cfg.ResolveTimeout)
	defer bg.Close()

	filesSvc, err := files.NewService(pool, hosts, cache, bg, files.Options{
		ChunkSize:      cfg.ChunkSize,
		MaxChunks:      cfg.MaxChunks,
		URLTTL:         cfg.URLTTL,
		RefreshWindow:  cfg.RefreshWindow,
		AssembleWait:   cfg.AssembleWait,
		UploadTimeout:  cfg.UploadTimeout,
		FetchTimeout:   cfg.FetchTimeout,
		ResolveTimeout: cfg.ResolveTimeout,
		PrefetchWindow: cfg.PrefetchWindow,
		CacheTTL:       cfg.CacheTTL,
	})
	if err != nil {
		logging.Internal.Fatalf("failed to initialize relay: %v", err)
	}

	// Show stats and exit if requested
	if *showStats {
		printStats(filesSvc, cfg)
		return
	}

	uploadLimiter := api.NewUploadLimiter(cfg.MaxInflightUpload)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Refresh direct URLs before readers need them
	go filesSvc.RunSweeper(ctx, cfg.SweepInterval)

	// Forget abandoned uploads
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := uploadLimiter.CleanupExpired(2 * time.Hour); n > 0 {
					logging.Internal.Printf("cleaned up %d abandoned upload entries", n)
				}
			}
		}
	}()

	handler := api.NewHandler(filesSvc, api.Options{
		Limiter:           uploadLimiter,
		AdminToken:        cfg.AdminToken,
		HLSSegmentSeconds: cfg.HLSSegmentSeconds,
	})

	mux := http.NewServeMux()
	mux.Handle("/", handler)
	if objects != nil {
		mux.Handle("/obj/", objects)
	}

	// Configure CORS
	var corsConfig api.CORSConfig
	if *devMode {
		logging.Internal.Println("development mode: CORS allowing all origins")
	} else {
		corsConfig.AllowedOrigins = cfg.CORSOrigins
		if len(cfg.CORSOrigins) > 0 {
			logging.Internal.Printf("CORS restricted to origins: %v", cfg.CORSOrigins)
		}
	}

	// Apply middleware (order: Logger -> RateLimit -> CORS -> handler)
	var finalHandler http.Handler = mux
	finalHandler = api.CORS(corsConfig)(finalHandler)
	var rateLimiter *api.RateLimiter
	if !*devMode {
		rateLimiter = api.NewRateLimiter(api.DefaultRateLimitConfig())
		finalHandler = rateLimiter.Middleware(finalHandler)
		logging.Internal.Println("rate limiting enabled")
	}
	finalHandler = api.Logger(finalHandler)

	server := &http.Server{
		Addr:              *addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		logging.Internal.Println("shutting down...")
		cancel()

		// Stop rate limiter cleanup goroutines
		if rateLimiter != nil {
			rateLimiter.Stop()
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logging.Internal.Printf("shutdown error: %v", err)
		}
	}()

	logging.Internal.Printf("starting server on %s (chunk size %s)", *addr, humanize.IBytes(uint64(cfg.ChunkSize)))
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logging.Internal.Fatalf("server error: %v", err)
	}
}

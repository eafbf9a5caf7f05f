package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	meterapp "metergrid/internal/metering/application"
	meterinflux "metergrid/internal/metering/infrastructure/influx"
	meterrepo "metergrid/internal/metering/infrastructure/postgres"
	"metergrid/internal/observability/metrics"
	reconapp "metergrid/internal/reconciliation/application"
	reconrepo "metergrid/internal/reconciliation/infrastructure/postgres"
	reconhttp "metergrid/internal/reconciliation/interfaces/http"
	tariffengine "metergrid/internal/tariff/engine"
	tariffrepo "metergrid/internal/tariff/infrastructure/postgres"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	engineCfg, err := reconapp.LoadConfig()
	if err != nil {
		logger.Fatalf("reconciliation config error: %v", err)
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	meterDirectory := meterrepo.NewMeterRepository(db)
	readingRepo := meterrepo.NewReadingRepository(db)

	// Raw samples come from Postgres unless the site lands telemetry in
	// InfluxDB; derived readings always persist to Postgres.
	var readingStore meterapp.ReadingStore = readingRepo
	if cfg.InfluxURL != "" {
		influxStore, err := meterinflux.NewReadingStore(meterinflux.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		})
		if err != nil {
			logger.Fatalf("influx reading store error: %v", err)
		}
		defer influxStore.Close()
		readingStore = influxStore
	}

	corrector := meterapp.NewCorrector(engineCfg.Plausibility)
	batch, err := meterapp.NewBatchRunner(readingStore, corrector, logger,
		meterapp.WithWidth(engineCfg.FetchWidth),
		meterapp.WithPageSize(engineCfg.PageSize),
		meterapp.WithAttemptTimeout(engineCfg.AttemptTimeout),
		meterapp.WithMaxRetries(engineCfg.MaxRetries),
		meterapp.WithBackoff(engineCfg.Backoff),
	)
	if err != nil {
		logger.Fatalf("batch runner error: %v", err)
	}

	aggregator, err := meterapp.NewAggregator(readingRepo, logger)
	if err != nil {
		logger.Fatalf("aggregator error: %v", err)
	}

	engine, err := tariffengine.New(tariffrepo.NewTariffRepository(db))
	if err != nil {
		logger.Fatalf("tariff engine error: %v", err)
	}
	calculator, err := reconapp.NewCalculator(engine, engineCfg.EnergyChannel, engineCfg.DemandChannel, logger)
	if err != nil {
		logger.Fatalf("calculator error: %v", err)
	}

	runRepo := reconrepo.NewRunRepository(db)
	m := metrics.New()

	relay := &progressRelay{}
	service, err := reconapp.NewService(meterDirectory, batch, aggregator, calculator, runRepo, logger,
		reconapp.WithMetrics(m),
		reconapp.WithProgress(relay.Report),
	)
	if err != nil {
		logger.Fatalf("reconciliation service error: %v", err)
	}
	bulk, err := reconapp.NewBulk(service, logger)
	if err != nil {
		logger.Fatalf("bulk orchestrator error: %v", err)
	}

	handler, err := reconhttp.NewHandler(service, bulk, runRepo)
	if err != nil {
		logger.Fatalf("reconciliation handler error: %v", err)
	}
	relay.Bind(handler.Progress)

	if engineCfg.Schedule.DailyAt != "" && len(engineCfg.Schedule.Sites) > 0 {
		scheduler := reconapp.NewScheduler(service, engineCfg.Schedule.Sites, engineCfg.Schedule.DailyAt, engineCfg.DefaultAuthority, logger)
		go scheduler.Start(context.Background())
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/reconciliation/runs", handler)
	mux.Handle("/api/v1/reconciliation/runs/", handler)
	mux.Handle("/api/v1/reconciliation/bulk", handler)
	mux.Handle("/api/v1/reconciliation/progress", handler)
	mux.Handle("/api/v1/reconciliation/cancel", handler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(mux, logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

type config struct {
	DatabaseURL  string
	HTTPAddr     string
	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:  getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:     getenvDefault("HTTP_ADDR", ":8080"),
		InfluxURL:    getenvDefault("INFLUX_URL", ""),
		InfluxToken:  getenvDefault("INFLUX_TOKEN", ""),
		InfluxOrg:    getenvDefault("INFLUX_ORG", ""),
		InfluxBucket: getenvDefault("INFLUX_BUCKET", ""),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// progressRelay lets the service report progress to a handler constructed
// after it.
type progressRelay struct {
	mu sync.Mutex
	fn meterapp.ProgressFunc
}

func (p *progressRelay) Bind(fn meterapp.ProgressFunc) {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
}

func (p *progressRelay) Report(stage string, current, total int) {
	p.mu.Lock()
	fn := p.fn
	p.mu.Unlock()
	if fn != nil {
		fn(stage, current, total)
	}
}

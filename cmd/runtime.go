package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/deidentify"
	"github.com/chavi-india/draw-agent/internal/errors"
	"github.com/chavi-india/draw-agent/internal/export"
	"github.com/chavi-india/draw-agent/internal/ingest"
	"github.com/chavi-india/draw-agent/internal/observability"
	"github.com/chavi-india/draw-agent/internal/pipeline"
	"github.com/chavi-india/draw-agent/internal/rules"
)

// catalogTTL is how long one rule catalog snapshot serves a batch.
const catalogTTL = time.Minute

// runtime holds the wired subsystems shared by the subcommands.
type runtime struct {
	settings *conf.Settings
	store    *datastore.SQLiteStore
	metrics  *observability.Metrics
	scanner  *ingest.Scanner
	driver   *pipeline.Driver
	client   *export.Client
}

// newRuntime opens the datastore and wires every pipeline stage.
func newRuntime(settings *conf.Settings) (*runtime, error) {
	store := datastore.NewSQLite(settings)
	if err := store.Open(); err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	scanner := ingest.NewScanner(store, settings)
	scanner.SetMetrics(metrics.Pipeline)

	catalog := rules.NewCatalog(store, catalogTTL)
	matcher := rules.NewMatcher(catalog, store)
	engine := deidentify.New(store, settings)

	client := export.NewClient(settings)
	orchestrator := export.NewOrchestrator(store, client, settings)
	orchestrator.SetMetrics(metrics.Export)

	driver := pipeline.New(store, matcher, engine, orchestrator, settings)
	driver.SetMetrics(metrics.Pipeline)

	return &runtime{
		settings: settings,
		store:    store,
		metrics:  metrics,
		scanner:  scanner,
		driver:   driver,
		client:   client,
	}, nil
}

// Close releases the runtime's resources.
func (r *runtime) Close() error {
	return r.store.Close()
}

// startMetricsServer serves /metrics on the configured address and returns
// a shutdown func. A no-op when observability.metricsaddr is empty.
func (r *runtime) startMetricsServer() func() {
	addr := r.settings.Observability.MetricsAddr
	if addr == "" {
		return func() {}
	}

	mux := http.NewServeMux()
	r.metrics.RegisterHandlers(mux)
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "metrics server error: %v\n", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

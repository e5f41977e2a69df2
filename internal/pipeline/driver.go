// Package pipeline drives series through rule matching, deidentification and
// export as one batch operation.
package pipeline

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/deidentify"
	"github.com/chavi-india/draw-agent/internal/dicomio"
	"github.com/chavi-india/draw-agent/internal/errors"
	"github.com/chavi-india/draw-agent/internal/export"
	"github.com/chavi-india/draw-agent/internal/logging"
	"github.com/chavi-india/draw-agent/internal/observability/metrics"
	"github.com/chavi-india/draw-agent/internal/privacy"
	"github.com/chavi-india/draw-agent/internal/rules"
)

// BatchSummary reports one processing batch.
type BatchSummary struct {
	SeriesEvaluated int
	Deidentified    int
	Failed          int
}

// Driver orchestrates the processing stages over the datastore.
type Driver struct {
	store        datastore.Interface
	matcher      *rules.Matcher
	engine       *deidentify.Engine
	orchestrator *export.Orchestrator
	settings     *conf.Settings
	metrics      *metrics.PipelineMetrics
	log          *slog.Logger
}

// New wires a driver over the stage implementations.
func New(store datastore.Interface, matcher *rules.Matcher, engine *deidentify.Engine, orchestrator *export.Orchestrator, settings *conf.Settings) *Driver {
	return &Driver{
		store:        store,
		matcher:      matcher,
		engine:       engine,
		orchestrator: orchestrator,
		settings:     settings,
		log:          logging.ForService("pipeline"),
	}
}

// SetMetrics attaches pipeline metrics. Safe to leave unset.
func (d *Driver) SetMetrics(m *metrics.PipelineMetrics) {
	d.metrics = m
}

// RunBatch matches every unprocessed series against the rule catalog and
// deidentifies each matched (series, template) pair. Series already matched
// by an earlier interrupted run are picked up again. Series run concurrently
// on a bounded group; a failure in one series never aborts the batch.
func (d *Driver) RunBatch(ctx context.Context) (BatchSummary, error) {
	var summary BatchSummary
	start := time.Now()

	pending, err := d.store.GetSeriesByStatus(
		datastore.StatusUnprocessed,
		datastore.StatusRuleMatched,
		datastore.StatusMultipleRulesMatched)
	if err != nil {
		return summary, err
	}
	summary.SeriesEvaluated = len(pending)
	if len(pending) == 0 {
		d.log.Info("no series pending processing")
		return summary, nil
	}
	if err := d.matcher.Preload(); err != nil {
		return summary, err
	}

	workers := d.settings.Pipeline.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	type result struct {
		archives int
		err      error
	}
	results := make([]result, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range pending {
		g.Go(func() error {
			if gctx.Err() != nil {
				results[i] = result{err: gctx.Err()}
				return nil
			}
			archives, err := d.processSeries(&pending[i])
			results[i] = result{archives: archives, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i := range results {
		if results[i].err != nil {
			summary.Failed++
			d.log.Error("series processing failed",
				"series_uid", privacy.TruncateUID(pending[i].SeriesInstanceUID),
				"error", results[i].err)
		} else if results[i].archives > 0 {
			summary.Deidentified++
		}
	}

	if d.metrics != nil {
		d.metrics.RecordBatchDuration(time.Since(start).Seconds())
	}
	d.log.Info("batch finished",
		"evaluated", summary.SeriesEvaluated,
		"deidentified", summary.Deidentified,
		"failed", summary.Failed,
		"duration", time.Since(start))
	return summary, nil
}

// processSeries runs rule matching and then one deidentification per matched
// template. Returns the number of archives produced.
func (d *Driver) processSeries(series *datastore.Series) (int, error) {
	outcome, err := d.matchSeries(series)
	if err != nil {
		return 0, err
	}

	archives := 0
	for _, match := range outcome.Matches {
		start := time.Now()
		err := d.engine.ProcessSeries(series, match.TemplateID)
		if d.metrics != nil {
			status := metrics.StatusSuccess
			if err != nil {
				status = metrics.StatusError
			}
			d.metrics.RecordDeidentification(status, time.Since(start).Seconds())
		}
		if err != nil {
			return archives, err
		}
		archives++
	}
	return archives, nil
}

// matchSeries evaluates the series tag dictionary against the catalog. A
// series left in a matched status by an interrupted run is re-evaluated
// without a status transition.
func (d *Driver) matchSeries(series *datastore.Series) (rules.Outcome, error) {
	tags, err := d.seriesTags(series)
	if err != nil {
		return rules.Outcome{}, err
	}

	var outcome rules.Outcome
	if series.Status == datastore.StatusUnprocessed {
		outcome, err = d.matcher.MatchSeries(series, tags)
	} else {
		outcome, err = d.matcher.Evaluate(tags)
	}
	if err != nil {
		return rules.Outcome{}, err
	}

	if d.metrics != nil {
		switch outcome.Status {
		case datastore.StatusRuleMatched:
			d.metrics.RecordSeriesMatched("matched")
		case datastore.StatusMultipleRulesMatched:
			d.metrics.RecordSeriesMatched("multiple")
		default:
			d.metrics.RecordSeriesMatched("not_matched")
		}
	}
	return outcome, nil
}

// seriesTags builds the tag dictionary from the first stored instance.
func (d *Driver) seriesTags(series *datastore.Series) (map[string]string, error) {
	instances, err := d.store.GetInstancesForSeries(series.ID)
	if err != nil {
		return nil, err
	}
	if len(instances) == 0 {
		return nil, errors.Newf("series %s has no instances on disk",
			privacy.TruncateUID(series.SeriesInstanceUID)).
			Component("pipeline").
			Category(errors.CategoryValidation).
			Build()
	}
	ds, err := dicomio.ReadMetadata(instances[0].FilePath)
	if err != nil {
		return nil, err
	}
	return ds.TagDictionary(), nil
}

// ExportPending uploads every archive awaiting transfer.
func (d *Driver) ExportPending(ctx context.Context) error {
	return d.orchestrator.ExportBatch(ctx)
}

package export

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/errors"
	"github.com/chavi-india/draw-agent/internal/logging"
	"github.com/chavi-india/draw-agent/internal/observability/metrics"
	"github.com/chavi-india/draw-agent/internal/privacy"
)

// Orchestrator drives FileExport records through the transfer state machine.
type Orchestrator struct {
	store    datastore.Interface
	client   *Client
	settings *conf.Settings
	metrics  *metrics.ExportMetrics
	log      *slog.Logger

	// injectable for tests
	sleep func(time.Duration)
	now   func() time.Time
}

// NewOrchestrator wires an export orchestrator.
func NewOrchestrator(store datastore.Interface, client *Client, settings *conf.Settings) *Orchestrator {
	return &Orchestrator{
		store:    store,
		client:   client,
		settings: settings,
		log:      logging.ForService("export"),
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

// SetMetrics attaches export metrics. Safe to leave unset.
func (o *Orchestrator) SetMetrics(m *metrics.ExportMetrics) {
	o.metrics = m
}

// ExportBatch processes every pending FileExport independently. A failure in
// one item never aborts the others; the batch error is the join of per-item
// errors.
func (o *Orchestrator) ExportBatch(ctx context.Context) error {
	exports, err := o.store.GetPendingExports()
	if err != nil {
		return err
	}
	if len(exports) == 0 {
		o.log.Info("no archives pending transfer")
		return nil
	}

	var errs []error
	succeeded := 0
	for i := range exports {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := o.ExportOne(ctx, &exports[i]); err != nil {
			o.log.Error("archive transfer failed",
				"export_id", exports[i].ID,
				"archive", privacy.MaskPath(exports[i].Archive.ArchivePath),
				"error", err)
			errs = append(errs, err)
			continue
		}
		succeeded++
	}

	o.log.Info("export batch finished",
		"total", len(exports), "succeeded", succeeded, "failed", len(errs))
	return errors.Join(errs...)
}

// ExportOne delivers a single archive. The IN_PROGRESS guard guarantees
// at-most-one successful delivery transition per FileExport.
func (o *Orchestrator) ExportOne(ctx context.Context, item *datastore.FileExport) error {
	start := time.Now()
	seriesUID, err := o.seriesUIDForExport(item)
	if err != nil {
		return err
	}

	// step 1: the archive must still exist before any network I/O
	archiveInfo, err := os.Stat(item.Archive.ArchivePath)
	if err != nil {
		o.markFailed(item, seriesUID, "archive file missing", start)
		return errors.Newf("archive missing: %s", privacy.MaskPath(item.Archive.ArchivePath)).
			Component("export").
			Category(errors.CategoryFileIO).
			Build()
	}

	// step 2: claim the export; a conflict means another worker owns it
	err = o.store.UpdateExportStatus(item.ID,
		[]datastore.TransferStatus{datastore.TransferPending, datastore.TransferFailed},
		datastore.TransferInProgress)
	if err != nil {
		if errors.Is(err, datastore.ErrStatusConflict) {
			o.log.Debug("export already claimed", "export_id", item.ID)
			if o.metrics != nil {
				o.metrics.RecordExport("skipped", time.Since(start).Seconds())
			}
			return nil
		}
		return err
	}
	// SaveExport writes every field, so the claimed status must be
	// mirrored on the in-memory row
	item.Status = datastore.TransferInProgress
	if err := o.store.UpdateSeriesStatus(seriesUID,
		[]datastore.ProcessingStatus{datastore.StatusDeidentified, datastore.StatusFailedTransferToServer},
		datastore.StatusPendingTransfer); err != nil && !errors.Is(err, datastore.ErrStatusConflict) {
		return err
	}

	// step 3: server readiness
	if err := o.waitForHealthy(ctx); err != nil {
		o.markFailed(item, seriesUID, err.Error(), start)
		return err
	}

	// step 4: checksum computed from disk on every attempt
	checksum, err := FileSHA256(item.Archive.ArchivePath)
	if err != nil {
		o.markFailed(item, seriesUID, err.Error(), start)
		return err
	}
	item.Checksum = checksum
	if err := o.store.SaveExport(item); err != nil {
		return err
	}

	// step 5: token freshness, at most one refresh
	token, err := o.currentAccessToken(ctx)
	if err != nil {
		o.markFailed(item, seriesUID, err.Error(), start)
		return err
	}

	// step 6: upload
	taskID, err := o.client.Upload(ctx, item.Archive.ArchivePath, checksum, token)
	if err != nil {
		o.markFailed(item, seriesUID, err.Error(), start)
		return err
	}

	// step 7: record success, then delete the archive
	item.TaskID = taskID
	item.AttemptCount++
	item.LastError = ""
	if err := o.store.SaveExport(item); err != nil {
		return err
	}
	if err := o.store.UpdateExportStatus(item.ID,
		[]datastore.TransferStatus{datastore.TransferInProgress},
		datastore.TransferCompleted); err != nil {
		return err
	}
	item.Status = datastore.TransferCompleted
	if err := o.store.UpdateSeriesStatus(seriesUID,
		[]datastore.ProcessingStatus{datastore.StatusPendingTransfer},
		datastore.StatusSentToDrawServer); err != nil && !errors.Is(err, datastore.ErrStatusConflict) {
		return err
	}

	if o.metrics != nil {
		o.metrics.RecordExport("success", time.Since(start).Seconds())
		o.metrics.RecordUploadBytes(float64(archiveInfo.Size()))
	}

	if err := os.Remove(item.Archive.ArchivePath); err != nil {
		// the database is authoritative, the stale file is only noise
		o.log.Warn("could not delete transferred archive",
			"archive", privacy.MaskPath(item.Archive.ArchivePath), "error", err)
	}

	o.log.Info("archive transferred",
		"export_id", item.ID,
		"task_id", taskID,
		"series_uid", privacy.TruncateUID(seriesUID))
	return nil
}

// waitForHealthy polls the health endpoint up to the configured retry count.
// A 503 waits the configured delay before the next attempt; other failures
// consume an attempt without waiting differently.
func (o *Orchestrator) waitForHealthy(ctx context.Context) error {
	retries := o.settings.Draw.HealthRetries
	for attempt := 1; attempt <= retries; attempt++ {
		result, err := o.client.Health(ctx)
		if o.metrics != nil {
			switch {
			case err != nil:
				o.metrics.RecordHealthCheck("error")
			case result.Healthy:
				o.metrics.RecordHealthCheck("healthy")
			default:
				o.metrics.RecordHealthCheck("unhealthy")
			}
		}
		if err == nil && result.Healthy {
			return nil
		}
		if err != nil {
			o.log.Warn("health check error", "attempt", attempt, "error", err)
		} else {
			o.log.Warn("server not ready", "attempt", attempt, "status_code", result.StatusCode)
		}
		if attempt < retries {
			if err == nil && result.StatusCode == http.StatusServiceUnavailable {
				o.sleep(o.settings.Draw.HealthRetryDelay)
			}
		}
	}
	return errors.Newf("server not healthy after %d attempts", retries).
		Component("export").
		Category(errors.CategoryNetwork).
		Build()
}

// currentAccessToken returns a valid access token, refreshing it at most
// once when the stored token has expired. The refreshed pair is persisted
// before it is ever used.
func (o *Orchestrator) currentAccessToken(ctx context.Context) (string, error) {
	creds, err := o.store.GetCredentials()
	if err != nil {
		return "", err
	}
	if creds == nil || creds.AccessToken == "" {
		return "", errors.NewStd("no access token configured")
	}

	if creds.ExpiresAt == nil || creds.ExpiresAt.After(o.now()) {
		return creds.AccessToken, nil
	}

	tokens, err := o.client.RefreshToken(ctx, creds.RefreshToken)
	if o.metrics != nil {
		status := metrics.StatusSuccess
		if err != nil {
			status = metrics.StatusError
		}
		o.metrics.RecordTokenRefresh(status)
	}
	if err != nil {
		return "", errors.New(fmt.Errorf("token refresh failed: %w", err)).
			Component("export").
			Category(errors.CategoryAuth).
			Build()
	}

	creds.AccessToken = tokens.AccessToken
	if tokens.RefreshToken != "" {
		creds.RefreshToken = tokens.RefreshToken
	}
	creds.ExpiresAt = tokens.ExpiresAt
	if err := o.store.SaveCredentials(creds); err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// markFailed records a terminal failure on the export and its series.
func (o *Orchestrator) markFailed(item *datastore.FileExport, seriesUID, reason string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordExport("error", time.Since(start).Seconds())
	}
	item.LastError = reason
	item.AttemptCount++
	if err := o.store.SaveExport(item); err != nil {
		o.log.Error("could not persist export failure", "export_id", item.ID, "error", err)
	}
	if err := o.store.UpdateExportStatus(item.ID,
		[]datastore.TransferStatus{datastore.TransferPending, datastore.TransferInProgress},
		datastore.TransferFailed); err != nil && !errors.Is(err, datastore.ErrStatusConflict) {
		o.log.Error("could not mark export failed", "export_id", item.ID, "error", err)
	}
	item.Status = datastore.TransferFailed
	if err := o.store.UpdateSeriesStatus(seriesUID,
		[]datastore.ProcessingStatus{
			datastore.StatusDeidentified,
			datastore.StatusPendingTransfer,
		},
		datastore.StatusFailedTransferToServer); err != nil && !errors.Is(err, datastore.ErrStatusConflict) {
		o.log.Error("could not mark series transfer failed", "series_uid", privacy.TruncateUID(seriesUID), "error", err)
	}
}

// seriesUIDForExport resolves the original series UID owning the export's
// archive.
func (o *Orchestrator) seriesUIDForExport(item *datastore.FileExport) (string, error) {
	if item.Archive.ID == 0 {
		loaded, err := o.store.GetExport(item.ID)
		if err != nil {
			return "", err
		}
		item.Archive = loaded.Archive
	}
	series, err := o.store.GetSeriesByID(item.Archive.SeriesID)
	if err != nil {
		return "", err
	}
	return series.SeriesInstanceUID, nil
}

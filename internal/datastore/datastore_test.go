package datastore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chavi-india/draw-agent/internal/conf"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "test.db")
	store := NewSQLite(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedSeries(t *testing.T, store *SQLiteStore, seriesUID string, status ProcessingStatus) *Series {
	t.Helper()
	patient, _, err := store.GetOrCreatePatient(&Patient{PatientID: "PAT-" + seriesUID, PatientName: "DOE^JOHN"})
	require.NoError(t, err)
	study, _, err := store.GetOrCreateStudy(&Study{
		PatientID:        patient.ID,
		StudyInstanceUID: "1.2.3." + seriesUID,
		StudyDate:        "20240115",
	})
	require.NoError(t, err)
	series, _, err := store.GetOrCreateSeries(&Series{
		StudyID:           study.ID,
		SeriesInstanceUID: seriesUID,
		Modality:          "CT",
		Status:            status,
	})
	require.NoError(t, err)
	return series
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	first, created, err := store.GetOrCreatePatient(&Patient{PatientID: "PAT-1", PatientName: "DOE^JANE"})
	require.NoError(t, err)
	assert.True(t, created)
	second, created, err := store.GetOrCreatePatient(&Patient{PatientID: "PAT-1", PatientName: "OTHER^NAME"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "DOE^JANE", second.PatientName, "existing row wins over re-ingested metadata")

	series := seedSeries(t, store, "1.2.3.4.5", "")
	assert.Equal(t, StatusUnprocessed, series.Status)

	inst, _, err := store.GetOrCreateInstance(&Instance{
		SeriesID:       series.ID,
		SOPInstanceUID: "1.2.3.4.5.1",
		FilePath:       "/data/ct/0001.dcm",
	})
	require.NoError(t, err)
	dup, _, err := store.GetOrCreateInstance(&Instance{SeriesID: series.ID, SOPInstanceUID: "1.2.3.4.5.1"})
	require.NoError(t, err)
	assert.Equal(t, inst.ID, dup.ID)
}

func TestUpdateSeriesStatusGuarded(t *testing.T) {
	store := newTestStore(t)
	seedSeries(t, store, "1.2.3.4.6", StatusUnprocessed)

	err := store.UpdateSeriesStatus("1.2.3.4.6", []ProcessingStatus{StatusUnprocessed}, StatusRuleMatched)
	require.NoError(t, err)

	// second transition from the consumed state must conflict
	err = store.UpdateSeriesStatus("1.2.3.4.6", []ProcessingStatus{StatusUnprocessed}, StatusRuleMatched)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStatusConflict)

	updated, err := store.GetSeriesByUID("1.2.3.4.6")
	require.NoError(t, err)
	assert.Equal(t, StatusRuleMatched, updated.Status)
}

func TestPersistDeidentificationTransaction(t *testing.T) {
	store := newTestStore(t)
	series := seedSeries(t, store, "1.2.3.4.7", StatusRuleMatched)

	inst, _, err := store.GetOrCreateInstance(&Instance{SeriesID: series.ID, SOPInstanceUID: "1.2.3.4.7.1"})
	require.NoError(t, err)
	inst.DeidentifiedUID = "1.2.826.0.1.3680043.10.1561.111.22.333.1.4444444.555"

	archive := &DeidentifiedArchive{
		SeriesID:        series.ID,
		TemplateID:      1,
		ArchivePath:     "/staging/archive-1.zip",
		DeidentifiedUID: "1.2.826.0.1.3680043.10.1561.111.22.333.1",
		InstanceCount:   1,
	}
	require.NoError(t, store.PersistDeidentification(archive, series.SeriesInstanceUID, []Instance{*inst}))

	updated, err := store.GetSeriesByUID(series.SeriesInstanceUID)
	require.NoError(t, err)
	assert.Equal(t, StatusDeidentified, updated.Status)
	assert.Equal(t, archive.DeidentifiedUID, updated.DeidentifiedUID)

	pending, err := store.GetPendingExports()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, archive.ID, pending[0].ArchiveID)
	assert.Equal(t, TransferPending, pending[0].Status)

	// re-running for the same (series, template) must not mint a second
	// archive or export row, only refresh the existing ones
	require.NoError(t, store.UpdateSeriesStatus(series.SeriesInstanceUID,
		[]ProcessingStatus{StatusDeidentified}, StatusRuleMatched))
	archive2 := &DeidentifiedArchive{
		SeriesID:        series.ID,
		TemplateID:      1,
		ArchivePath:     "/staging/archive-1b.zip",
		DeidentifiedUID: archive.DeidentifiedUID,
		InstanceCount:   1,
	}
	require.NoError(t, store.PersistDeidentification(archive2, series.SeriesInstanceUID, nil))

	count, err := store.CountArchivesForSeries(series.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestUpdateExportStatusGuarded(t *testing.T) {
	store := newTestStore(t)
	series := seedSeries(t, store, "1.2.3.4.8", StatusRuleMatched)
	archive := &DeidentifiedArchive{SeriesID: series.ID, TemplateID: 2, ArchivePath: "/staging/a.zip"}
	require.NoError(t, store.PersistDeidentification(archive, series.SeriesInstanceUID, nil))

	pending, err := store.GetPendingExports()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	id := pending[0].ID

	require.NoError(t, store.UpdateExportStatus(id, []TransferStatus{TransferPending, TransferFailed}, TransferInProgress))
	err = store.UpdateExportStatus(id, []TransferStatus{TransferPending, TransferFailed}, TransferInProgress)
	assert.ErrorIs(t, err, ErrStatusConflict)

	require.NoError(t, store.UpdateExportStatus(id, []TransferStatus{TransferInProgress}, TransferCompleted))
	exported, err := store.GetExport(id)
	require.NoError(t, err)
	assert.Equal(t, TransferCompleted, exported.Status)
	assert.NotNil(t, exported.TransferredAt)
}

func TestResetSeriesDiscardsArchives(t *testing.T) {
	store := newTestStore(t)
	series := seedSeries(t, store, "1.2.3.4.9", StatusRuleMatched)
	archive := &DeidentifiedArchive{SeriesID: series.ID, TemplateID: 3, ArchivePath: "/staging/b.zip"}
	require.NoError(t, store.PersistDeidentification(archive, series.SeriesInstanceUID, nil))

	require.NoError(t, store.ResetSeries(series.SeriesInstanceUID))

	updated, err := store.GetSeriesByUID(series.SeriesInstanceUID)
	require.NoError(t, err)
	assert.Equal(t, StatusUnprocessed, updated.Status)

	count, err := store.CountArchivesForSeries(series.ID)
	require.NoError(t, err)
	assert.Zero(t, count)

	pending, err := store.GetPendingExports()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestResetSeriesRefusedAfterSend(t *testing.T) {
	store := newTestStore(t)
	series := seedSeries(t, store, "1.2.3.4.10", StatusSentToDrawServer)

	err := store.ResetSeries(series.SeriesInstanceUID)
	require.Error(t, err)

	updated, err := store.GetSeriesByUID(series.SeriesInstanceUID)
	require.NoError(t, err)
	assert.Equal(t, StatusSentToDrawServer, updated.Status)
}

func TestResetSeriesRefusedDuringTransfer(t *testing.T) {
	store := newTestStore(t)
	series := seedSeries(t, store, "1.2.3.4.11", StatusRuleMatched)
	archive := &DeidentifiedArchive{SeriesID: series.ID, TemplateID: 4, ArchivePath: "/staging/c.zip"}
	require.NoError(t, store.PersistDeidentification(archive, series.SeriesInstanceUID, nil))

	pending, err := store.GetPendingExports()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NoError(t, store.UpdateExportStatus(pending[0].ID,
		[]TransferStatus{TransferPending}, TransferInProgress))

	err = store.ResetSeries(series.SeriesInstanceUID)
	require.Error(t, err)

	count, err := store.CountArchivesForSeries(series.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "archives survive a refused reset")
}

func TestGetExportByTaskID(t *testing.T) {
	store := newTestStore(t)
	series := seedSeries(t, store, "1.2.3.4.12", StatusRuleMatched)
	archive := &DeidentifiedArchive{SeriesID: series.ID, TemplateID: 5, ArchivePath: "/staging/d.zip"}
	require.NoError(t, store.PersistDeidentification(archive, series.SeriesInstanceUID, nil))

	pending, err := store.GetPendingExports()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	item := pending[0]
	item.TaskID = "task-77"
	item.ServerStatus = "QUEUED"
	require.NoError(t, store.SaveExport(&item))

	found, err := store.GetExportByTaskID("task-77")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, item.ID, found.ID)
	assert.Equal(t, "QUEUED", found.ServerStatus)

	missing, err := store.GetExportByTaskID("task-unknown")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUIDMappingReuse(t *testing.T) {
	store := newTestStore(t)

	first, err := store.SaveUIDMapping(&UIDMapping{
		Level:           "study",
		OriginalUID:     "1.2.3.100",
		DeidentifiedUID: "1.2.826.0.1.3680043.10.1561.100.20.300",
	})
	require.NoError(t, err)

	second, err := store.SaveUIDMapping(&UIDMapping{
		Level:           "study",
		OriginalUID:     "1.2.3.100",
		DeidentifiedUID: "1.2.826.0.1.3680043.10.1561.999.99.999",
	})
	require.NoError(t, err)
	assert.Equal(t, first.DeidentifiedUID, second.DeidentifiedUID)

	found, err := store.GetUIDMapping("study", "1.2.3.100")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.DeidentifiedUID, found.DeidentifiedUID)

	missing, err := store.GetUIDMapping("study", "no.such.uid")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// cross-level lookup resolves the same mapping without knowing the level
	anyLevel, err := store.FindUIDMapping("1.2.3.100")
	require.NoError(t, err)
	require.NotNil(t, anyLevel)
	assert.Equal(t, first.DeidentifiedUID, anyLevel.DeidentifiedUID)

	noLevel, err := store.FindUIDMapping("no.such.uid")
	require.NoError(t, err)
	assert.Nil(t, noLevel)
}

func TestCredentialsRoundTrip(t *testing.T) {
	store := newTestStore(t)

	creds, err := store.GetCredentials()
	require.NoError(t, err)
	assert.Nil(t, creds)

	require.NoError(t, store.SaveCredentials(&DrawCredentials{
		AccessToken:  "token-a",
		RefreshToken: "refresh-a",
	}))

	creds, err = store.GetCredentials()
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "token-a", creds.AccessToken)

	creds.AccessToken = "token-b"
	require.NoError(t, store.SaveCredentials(creds))
	reread, err := store.GetCredentials()
	require.NoError(t, err)
	assert.Equal(t, "token-b", reread.AccessToken)
}

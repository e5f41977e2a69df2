package pipeline

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/deidentify"
	"github.com/chavi-india/draw-agent/internal/dicomio"
	"github.com/chavi-india/draw-agent/internal/export"
	"github.com/chavi-india/draw-agent/internal/rules"
)

const testOrgPrefix = "1.2.826.0.1.3680043.10.1561"

type fixture struct {
	store  *datastore.SQLiteStore
	driver *Driver
	srcDir string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "pipeline.db")
	settings.Deidentify.OrgPrefix = testOrgPrefix
	settings.Deidentify.StagingDir = t.TempDir()
	settings.Deidentify.MinYear = 2000
	settings.Deidentify.MaxYear = 2020
	settings.Pipeline.Workers = 2

	store := datastore.NewSQLite(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })

	catalog := rules.NewCatalog(store, time.Minute)
	matcher := rules.NewMatcher(catalog, store)
	engine := deidentify.NewWithGenerator(store, settings,
		deidentify.NewUIDGeneratorWithSource(testOrgPrefix, rand.NewSource(7)))
	orchestrator := export.NewOrchestrator(store, export.NewClient(settings), settings)

	return &fixture{
		store:  store,
		driver: New(store, matcher, engine, orchestrator, settings),
		srcDir: t.TempDir(),
	}
}

func (f *fixture) writeInstance(t *testing.T, studyUID, seriesUID, sopUID, modality string, instanceNumber int) string {
	t.Helper()
	mkElem := func(tg tag.Tag, vr, value string) *dicom.Element {
		v, err := dicom.NewValue([]string{value})
		require.NoError(t, err)
		return &dicom.Element{
			Tag:                    tg,
			ValueRepresentation:    tag.VRStringList,
			RawValueRepresentation: vr,
			ValueLength:            uint32(len(value)),
			Value:                  v,
		}
	}
	ds := &dicomio.Dataset{Data: dicom.Dataset{Elements: []*dicom.Element{
		mkElem(tag.MediaStorageSOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2"),
		mkElem(tag.MediaStorageSOPInstanceUID, "UI", sopUID),
		mkElem(tag.TransferSyntaxUID, "UI", "1.2.840.10008.1.2.1"),
		mkElem(tag.SOPClassUID, "UI", "1.2.840.10008.5.1.4.1.1.2"),
		mkElem(tag.SOPInstanceUID, "UI", sopUID),
		mkElem(tag.StudyInstanceUID, "UI", studyUID),
		mkElem(tag.SeriesInstanceUID, "UI", seriesUID),
		mkElem(tag.PatientID, "LO", "MRN-0007"),
		mkElem(tag.PatientName, "PN", "DOE^JANE"),
		mkElem(tag.Modality, "CS", modality),
		mkElem(tag.StudyDate, "DA", "20240301"),
	}}}
	path := filepath.Join(f.srcDir, fmt.Sprintf("%s-%04d.dcm", seriesUID, instanceNumber))
	require.NoError(t, ds.Save(path))
	return path
}

func (f *fixture) seedSeries(t *testing.T, seriesUID, modality string, status datastore.ProcessingStatus) *datastore.Series {
	t.Helper()
	studyUID := "1.2.3." + seriesUID

	patient, _, err := f.store.GetOrCreatePatient(&datastore.Patient{PatientID: "MRN-0007"})
	require.NoError(t, err)
	study, _, err := f.store.GetOrCreateStudy(&datastore.Study{
		PatientID:        patient.ID,
		StudyInstanceUID: studyUID,
		StudyDate:        "20240301",
	})
	require.NoError(t, err)
	series, _, err := f.store.GetOrCreateSeries(&datastore.Series{
		StudyID:           study.ID,
		SeriesInstanceUID: seriesUID,
		Modality:          modality,
		Status:            status,
	})
	require.NoError(t, err)

	sopUID := seriesUID + ".1"
	path := f.writeInstance(t, studyUID, seriesUID, sopUID, modality, 1)
	_, _, err = f.store.GetOrCreateInstance(&datastore.Instance{
		SeriesID:       series.ID,
		SOPInstanceUID: sopUID,
		InstanceNumber: 1,
		FilePath:       path,
	})
	require.NoError(t, err)
	return series
}

func (f *fixture) seedRuleSet(t *testing.T, name, modality string) *datastore.RuleSet {
	t.Helper()
	rs := &datastore.RuleSet{
		Name:     name,
		Operator: rules.CombineAnd,
		Enabled:  true,
		Template: datastore.AutosegTemplate{
			Name:     "tpl-" + name,
			Protocol: "DRAW",
			Models: []datastore.AutosegModel{{
				ModelID: 3,
				Name:    "thorax-ct",
				Config:  "3d_fullres",
				Structures: []datastore.AutosegStructure{
					{MapID: 1, Name: "Heart"},
				},
			}},
		},
		Rules: []datastore.Rule{
			{TagName: "Modality", Operator: rules.OpStringExactMatch, Value: modality},
		},
	}
	require.NoError(t, f.store.DB.Create(rs).Error)
	return rs
}

func TestRunBatchMatchesAndDeidentifies(t *testing.T) {
	f := newFixture(t)
	f.seedRuleSet(t, "ct-thorax", "CT")
	f.seedSeries(t, "9.1", "CT", datastore.StatusUnprocessed)

	summary, err := f.driver.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SeriesEvaluated)
	assert.Equal(t, 1, summary.Deidentified)
	assert.Zero(t, summary.Failed)

	updated, err := f.store.GetSeriesByUID("9.1")
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusDeidentified, updated.Status)

	pending, err := f.store.GetPendingExports()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = os.Stat(pending[0].Archive.ArchivePath)
	assert.NoError(t, err)
}

func TestRunBatchLeavesUnmatchedSeries(t *testing.T) {
	f := newFixture(t)
	f.seedRuleSet(t, "mr-head", "MR")
	f.seedSeries(t, "9.2", "CT", datastore.StatusUnprocessed)

	summary, err := f.driver.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.SeriesEvaluated)
	assert.Zero(t, summary.Deidentified)
	assert.Zero(t, summary.Failed)

	updated, err := f.store.GetSeriesByUID("9.2")
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusRuleNotMatched, updated.Status)
}

func TestRunBatchFansOutMultipleMatches(t *testing.T) {
	f := newFixture(t)
	f.seedRuleSet(t, "ct-thorax", "CT")
	f.seedRuleSet(t, "ct-abdomen", "CT")
	series := f.seedSeries(t, "9.3", "CT", datastore.StatusUnprocessed)

	summary, err := f.driver.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deidentified)

	// one archive per matched template
	count, err := f.store.CountArchivesForSeries(series.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	pending, err := f.store.GetPendingExports()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunBatchIsolatesFailures(t *testing.T) {
	f := newFixture(t)
	f.seedRuleSet(t, "ct-thorax", "CT")
	f.seedSeries(t, "9.4", "CT", datastore.StatusUnprocessed)
	broken := f.seedSeries(t, "9.5", "CT", datastore.StatusUnprocessed)

	instances, err := f.store.GetInstancesForSeries(broken.ID)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(instances[0].FilePath, []byte("not dicom"), 0o644))

	summary, err := f.driver.RunBatch(context.Background())
	require.NoError(t, err, "batch never aborts on a series failure")
	assert.Equal(t, 2, summary.SeriesEvaluated)
	assert.Equal(t, 1, summary.Deidentified)
	assert.Equal(t, 1, summary.Failed)

	good, err := f.store.GetSeriesByUID("9.4")
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusDeidentified, good.Status)
}

func TestRunBatchResumesMatchedSeries(t *testing.T) {
	f := newFixture(t)
	f.seedRuleSet(t, "ct-thorax", "CT")
	f.seedSeries(t, "9.6", "CT", datastore.StatusRuleMatched)

	summary, err := f.driver.RunBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deidentified)

	updated, err := f.store.GetSeriesByUID("9.6")
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusDeidentified, updated.Status)
}

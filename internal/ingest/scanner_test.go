package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/dicomio"
)

func writeScanFile(t *testing.T, path, studyUID, seriesUID, sopUID string, instanceNumber int) {
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
		mkElem(tag.FrameOfReferenceUID, "UI", seriesUID+".999"),
		mkElem(tag.PatientID, "LO", "MRN-0099"),
		mkElem(tag.PatientName, "PN", "ROE^RICHARD"),
		mkElem(tag.PatientSex, "CS", "O"),
		mkElem(tag.PatientBirthDate, "DA", "19701224"),
		mkElem(tag.Modality, "CS", "CT"),
		mkElem(tag.SeriesDescription, "LO", "HEAD PLANNING"),
		mkElem(tag.InstanceNumber, "IS", fmt.Sprintf("%d", instanceNumber)),
	}}}
	require.NoError(t, ds.Save(path))
}

func newScanner(t *testing.T, root string) (*Scanner, *datastore.SQLiteStore) {
	t.Helper()
	settings := &conf.Settings{}
	settings.Output.SQLite.Path = filepath.Join(t.TempDir(), "scan.db")
	settings.Storage.Root = root
	settings.Storage.ChunkSize = 2
	settings.Storage.ScanWorkers = 2
	store := datastore.NewSQLite(settings)
	require.NoError(t, store.Open())
	t.Cleanup(func() { _ = store.Close() })
	return NewScanner(store, settings), store
}

func TestScanRegistersHierarchy(t *testing.T) {
	root := t.TempDir()
	seriesDir := filepath.Join(root, "pat1", "ct")
	require.NoError(t, os.MkdirAll(seriesDir, 0o755))
	for i := 1; i <= 3; i++ {
		writeScanFile(t, filepath.Join(seriesDir, fmt.Sprintf("%04d.dcm", i)),
			"1.2.3.900", "1.2.3.900.1", fmt.Sprintf("1.2.3.900.1.%d", i), i)
	}
	writeScanFile(t, filepath.Join(root, "other.dcm"), "1.2.3.901", "1.2.3.901.1", "1.2.3.901.1.1", 1)
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.txt"), []byte("not dicom"), 0o644))

	scanner, store := newScanner(t, root)
	summary, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.FilesSeen)
	assert.Equal(t, 4, summary.FilesIngested)
	assert.Equal(t, 1, summary.FilesSkipped)
	assert.Equal(t, 2, summary.NewSeries)

	series, err := store.GetSeriesByUID("1.2.3.900.1")
	require.NoError(t, err)
	assert.Equal(t, datastore.StatusUnprocessed, series.Status)
	assert.Equal(t, "CT", series.Modality)
	assert.Equal(t, "HEAD PLANNING", series.SeriesDescription)
	assert.Equal(t, 3, series.InstanceCount)
	assert.Equal(t, "1.2.3.900.1.999", series.FrameOfReferenceUID)
	assert.Equal(t, seriesDir, series.RootPath)

	study, err := store.GetStudy(series.StudyID)
	require.NoError(t, err)
	assert.Equal(t, "CT", study.Modality)

	patient, err := store.GetPatient(study.PatientID)
	require.NoError(t, err)
	assert.Equal(t, "O", patient.Gender)
	assert.Equal(t, "19701224", patient.BirthDate)

	instances, err := store.GetInstancesForSeries(series.ID)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	assert.Equal(t, 1, instances[0].InstanceNumber)
	assert.NotEmpty(t, instances[0].FilePath)
}

func TestScanIsIdempotent(t *testing.T) {
	root := t.TempDir()
	writeScanFile(t, filepath.Join(root, "a.dcm"), "1.2.3.910", "1.2.3.910.1", "1.2.3.910.1.1", 1)

	scanner, store := newScanner(t, root)
	_, err := scanner.Scan(context.Background())
	require.NoError(t, err)

	again, err := scanner.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, again.FilesIngested, "duplicate SOP UIDs are no-ops")
	assert.Zero(t, again.NewSeries)

	series, err := store.GetSeriesByUID("1.2.3.910.1")
	require.NoError(t, err)
	assert.Equal(t, 1, series.InstanceCount, "instance count not double counted")
	instances, err := store.GetInstancesForSeries(series.ID)
	require.NoError(t, err)
	assert.Len(t, instances, 1)
}

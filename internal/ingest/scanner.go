// Package ingest walks the local DICOM storage tree, extracts metadata from
// each file and registers the patient/study/series/instance hierarchy in the
// datastore.
package ingest

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/dicomio"
	"github.com/chavi-india/draw-agent/internal/errors"
	"github.com/chavi-india/draw-agent/internal/logging"
	"github.com/chavi-india/draw-agent/internal/observability/metrics"
	"github.com/chavi-india/draw-agent/internal/privacy"
)

// workerCap bounds the metadata extraction pool regardless of core count.
const workerCap = 8

// fileMetadata is one extracted result, independent of every other file.
type fileMetadata struct {
	path string

	patientID   string
	patientName string
	gender      string
	birthDate   string

	studyUID         string
	studyDate        string
	studyDescription string

	seriesUID         string
	frameUID          string
	modality          string
	seriesDescription string
	bodyPart          string
	protocolName      string
	stationName       string
	seriesDate        string

	sopInstanceUID string
	sopClassUID    string
	instanceNumber int
}

// Summary reports one scan run.
type Summary struct {
	FilesSeen     int
	FilesIngested int
	FilesSkipped  int
	NewSeries     int
}

// Scanner ingests DICOM files from the storage root.
type Scanner struct {
	store    datastore.Interface
	settings *conf.Settings
	metrics  *metrics.PipelineMetrics
	log      *slog.Logger
}

// NewScanner wires a scanner over the datastore.
func NewScanner(store datastore.Interface, settings *conf.Settings) *Scanner {
	return &Scanner{
		store:    store,
		settings: settings,
		log:      logging.ForService("ingest"),
	}
}

// SetMetrics attaches pipeline metrics. Safe to leave unset.
func (s *Scanner) SetMetrics(m *metrics.PipelineMetrics) {
	s.metrics = m
}

// Scan walks the storage root and ingests every DICOM file. Files are
// processed in chunks: extraction runs on a bounded worker pool with no
// shared state, persistence happens afterwards single-threaded so each
// chunk commits as one unit.
func (s *Scanner) Scan(ctx context.Context) (Summary, error) {
	var summary Summary
	start := time.Now()

	paths, err := s.collectFiles()
	if err != nil {
		return summary, err
	}
	summary.FilesSeen = len(paths)
	if len(paths) == 0 {
		s.log.Info("no files found under storage root", "root", s.settings.Storage.Root)
		return summary, nil
	}

	chunkSize := s.settings.Storage.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 200
	}

	for start := 0; start < len(paths); start += chunkSize {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		end := start + chunkSize
		if end > len(paths) {
			end = len(paths)
		}
		results := s.extractChunk(ctx, paths[start:end])
		ingested, created := s.persistChunk(results)
		summary.FilesIngested += ingested
		summary.NewSeries += created
	}

	summary.FilesSkipped = summary.FilesSeen - summary.FilesIngested
	if s.metrics != nil {
		s.metrics.RecordFilesScanned("ingested", float64(summary.FilesIngested))
		s.metrics.RecordFilesScanned("skipped", float64(summary.FilesSkipped))
		s.metrics.RecordScanDuration(time.Since(start).Seconds())
	}
	s.log.Info("scan finished",
		"seen", summary.FilesSeen,
		"ingested", summary.FilesIngested,
		"skipped", summary.FilesSkipped,
		"new_series", summary.NewSeries)
	return summary, nil
}

// collectFiles lists every regular file under the storage root.
func (s *Scanner) collectFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(s.settings.Storage.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, errors.New(err).
			Component("ingest").
			Category(errors.CategoryFileIO).
			Context("root", s.settings.Storage.Root).
			Build()
	}
	return paths, nil
}

// extractChunk fans the chunk's files across the worker pool and collects
// the successful extractions.
func (s *Scanner) extractChunk(ctx context.Context, paths []string) []fileMetadata {
	workers := s.settings.Storage.ScanWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > workerCap {
		workers = workerCap
	}
	if workers > len(paths) {
		workers = len(paths)
	}

	jobs := make(chan string)
	out := make(chan fileMetadata, len(paths))
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range jobs {
				meta, err := extractMetadata(path)
				if err != nil {
					s.log.Debug("skipping unreadable file",
						"path", privacy.MaskPath(path), "error", err)
					continue
				}
				out <- meta
			}
		}()
	}

	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		jobs <- path
	}
	close(jobs)
	wg.Wait()
	close(out)

	results := make([]fileMetadata, 0, len(paths))
	for meta := range out {
		results = append(results, meta)
	}
	return results
}

// extractMetadata parses one file without pixel data. Files lacking the
// hierarchy UIDs are not usable and are skipped.
func extractMetadata(path string) (fileMetadata, error) {
	ds, err := dicomio.ReadMetadata(path)
	if err != nil {
		return fileMetadata{}, err
	}

	meta := fileMetadata{
		path:              path,
		patientID:         ds.GetString(tag.PatientID),
		patientName:       ds.GetString(tag.PatientName),
		gender:            ds.GetString(tag.PatientSex),
		birthDate:         ds.GetString(tag.PatientBirthDate),
		studyUID:          ds.GetString(tag.StudyInstanceUID),
		studyDate:         ds.GetString(tag.StudyDate),
		studyDescription:  ds.GetString(tag.StudyDescription),
		seriesUID:         ds.GetString(tag.SeriesInstanceUID),
		frameUID:          ds.GetString(tag.FrameOfReferenceUID),
		modality:          ds.GetString(tag.Modality),
		seriesDescription: ds.GetString(tag.SeriesDescription),
		bodyPart:          ds.GetString(tag.BodyPartExamined),
		protocolName:      ds.GetString(tag.ProtocolName),
		stationName:       ds.GetString(tag.StationName),
		seriesDate:        ds.GetString(tag.SeriesDate),
		sopInstanceUID:    ds.GetString(tag.SOPInstanceUID),
		sopClassUID:       ds.GetString(tag.SOPClassUID),
	}
	if n := ds.GetString(tag.InstanceNumber); n != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(n)); err == nil {
			meta.instanceNumber = parsed
		}
	}

	if meta.studyUID == "" || meta.seriesUID == "" || meta.sopInstanceUID == "" {
		return fileMetadata{}, errors.Newf("file %s is missing hierarchy UIDs", privacy.MaskPath(path)).
			Component("ingest").
			Category(errors.CategoryValidation).
			Build()
	}
	if meta.patientID == "" {
		meta.patientID = "UNKNOWN"
	}
	return meta, nil
}

// persistChunk registers the extracted hierarchy rows. Duplicate SOP UIDs
// are no-ops so re-scanning the same tree is idempotent.
func (s *Scanner) persistChunk(results []fileMetadata) (ingested, newSeries int) {
	for i := range results {
		meta := &results[i]

		patient, _, err := s.store.GetOrCreatePatient(&datastore.Patient{
			PatientID:   meta.patientID,
			PatientName: meta.patientName,
			Gender:      meta.gender,
			BirthDate:   meta.birthDate,
		})
		if err != nil {
			s.log.Error("patient registration failed",
				"patient_id", privacy.MaskValue("patient_id", meta.patientID), "error", err)
			continue
		}
		study, _, err := s.store.GetOrCreateStudy(&datastore.Study{
			PatientID:        patient.ID,
			StudyInstanceUID: meta.studyUID,
			StudyDate:        meta.studyDate,
			StudyDescription: meta.studyDescription,
			Modality:         meta.modality,
		})
		if err != nil {
			s.log.Error("study registration failed", "error", err)
			continue
		}
		series, created, err := s.store.GetOrCreateSeries(&datastore.Series{
			StudyID:             study.ID,
			SeriesInstanceUID:   meta.seriesUID,
			FrameOfReferenceUID: meta.frameUID,
			Modality:            meta.modality,
			SeriesDescription:   meta.seriesDescription,
			BodyPartExamined:    meta.bodyPart,
			ProtocolName:        meta.protocolName,
			StationName:         meta.stationName,
			SeriesDate:          meta.seriesDate,
			RootPath:            filepath.Dir(meta.path),
			Status:              datastore.StatusUnprocessed,
		})
		if err != nil {
			s.log.Error("series registration failed",
				"series_uid", privacy.MaskValue("series_uid", meta.seriesUID), "error", err)
			continue
		}
		if created {
			newSeries++
		}
		_, createdInstance, err := s.store.GetOrCreateInstance(&datastore.Instance{
			SeriesID:       series.ID,
			SOPInstanceUID: meta.sopInstanceUID,
			SOPClassUID:    meta.sopClassUID,
			InstanceNumber: meta.instanceNumber,
			FilePath:       meta.path,
		})
		if err != nil {
			s.log.Error("instance registration failed", "error", err)
			continue
		}
		if createdInstance {
			if err := s.store.IncrementSeriesInstanceCount(series.ID); err != nil {
				s.log.Error("instance count update failed", "error", err)
			}
		}
		ingested++
	}
	return ingested, newSeries
}

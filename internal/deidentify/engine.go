package deidentify

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/chavi-india/draw-agent/internal/conf"
	"github.com/chavi-india/draw-agent/internal/datastore"
	"github.com/chavi-india/draw-agent/internal/dicomio"
	"github.com/chavi-india/draw-agent/internal/errors"
	"github.com/chavi-india/draw-agent/internal/logging"
	"github.com/chavi-india/draw-agent/internal/privacy"
)

// dicomStandardPrefix identifies well-known UIDs (SOP classes, transfer
// syntaxes) that carry no identity and must survive deidentification.
const dicomStandardPrefix = "1.2.840.10008"

// Engine produces deidentified archives for rule-matched series.
type Engine struct {
	store    datastore.Interface
	settings *conf.Settings
	gen      *UIDGenerator
	log      *slog.Logger
}

// New wires a deidentification engine.
func New(store datastore.Interface, settings *conf.Settings) *Engine {
	return &Engine{
		store:    store,
		settings: settings,
		gen:      NewUIDGenerator(settings.Deidentify.OrgPrefix),
		log:      logging.ForService("deidentify"),
	}
}

// NewWithGenerator wires an engine over a fixed UID generator, used by tests.
func NewWithGenerator(store datastore.Interface, settings *conf.Settings, gen *UIDGenerator) *Engine {
	e := New(store, settings)
	e.gen = gen
	return e
}

// ProcessSeries deidentifies every instance of the series against the given
// template and records the archive. Failures park the series in
// DEIDENTIFICATION_FAILED so the next batch retries it.
func (e *Engine) ProcessSeries(series *datastore.Series, templateID uint) error {
	archivePath, err := e.process(series, templateID)
	if err != nil {
		if stErr := e.store.UpdateSeriesStatus(series.SeriesInstanceUID,
			[]datastore.ProcessingStatus{datastore.StatusRuleMatched, datastore.StatusMultipleRulesMatched},
			datastore.StatusDeidentificationFailed); stErr != nil && !errors.Is(stErr, datastore.ErrStatusConflict) {
			e.log.Error("failed to record deidentification failure",
				"series_uid", privacy.TruncateUID(series.SeriesInstanceUID), "error", stErr)
		}
		return err
	}

	e.log.Info("series deidentified",
		"series_uid", privacy.TruncateUID(series.SeriesInstanceUID),
		"template_id", templateID,
		"archive", privacy.MaskPath(archivePath))
	return nil
}

func (e *Engine) process(series *datastore.Series, templateID uint) (string, error) {
	study, err := e.store.GetStudy(series.StudyID)
	if err != nil {
		return "", err
	}
	patient, err := e.store.GetPatient(study.PatientID)
	if err != nil {
		return "", err
	}
	instances, err := e.store.GetInstancesForSeries(series.ID)
	if err != nil {
		return "", err
	}
	if len(instances) == 0 {
		return "", errors.Newf("series %s has no instances on disk", privacy.TruncateUID(series.SeriesInstanceUID)).
			Component("deidentify").
			Category(errors.CategoryValidation).
			Build()
	}
	template, err := e.store.GetTemplate(templateID)
	if err != nil {
		return "", err
	}

	sess := newSession(e.store, e.gen)
	if err := sess.resolveStudy(patient, study, e.settings.Deidentify.MinYear, e.settings.Deidentify.MaxYear); err != nil {
		return "", err
	}
	if err := sess.resolveSeries(series.SeriesInstanceUID); err != nil {
		return "", err
	}

	workDir := filepath.Join(e.settings.Deidentify.StagingDir,
		fmt.Sprintf("%s_t%d", sess.seriesUID, templateID))
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return "", errors.New(fmt.Errorf("creating working directory: %w", err)).
			Component("deidentify").
			Category(errors.CategoryFileIO).
			Context("path", workDir).
			Build()
	}

	for i := range instances {
		if err := e.deidentifyInstance(&instances[i], sess, workDir); err != nil {
			os.RemoveAll(workDir)
			return "", err
		}
	}

	if _, err := WriteTemplateDocument(template, workDir); err != nil {
		os.RemoveAll(workDir)
		return "", err
	}

	archivePath := workDir + ".zip"
	if err := CreateArchive(workDir, archivePath); err != nil {
		os.RemoveAll(workDir)
		return "", err
	}

	archive := &datastore.DeidentifiedArchive{
		SeriesID:             series.ID,
		TemplateID:           templateID,
		ArchivePath:          archivePath,
		DeidentifiedUID:      sess.seriesUID,
		DeidentifiedFrameUID: sess.frame,
		DeidentifiedDate:     sess.date,
		InstanceCount:        len(instances),
	}
	if err := e.store.PersistDeidentification(archive, series.SeriesInstanceUID, instances); err != nil {
		return "", err
	}
	return archivePath, nil
}

// deidentifyInstance rewrites one DICOM file into the working directory and
// records the minted SOP UID on the instance.
func (e *Engine) deidentifyInstance(instance *datastore.Instance, sess *session, workDir string) error {
	ds, err := dicomio.ReadFile(instance.FilePath)
	if err != nil {
		return err
	}

	newSOP, err := sess.sopUID(instance.SOPInstanceUID)
	if err != nil {
		return err
	}
	instance.DeidentifiedUID = newSOP

	if err := ds.MaskTags(maskedTags, maskValue); err != nil {
		return err
	}
	if err := ds.SetString(tag.PatientID, sess.patientID); err != nil {
		return err
	}

	var remapErr error
	err = ds.RewriteUIDs(func(t tag.Tag, old string) string {
		if strings.HasPrefix(old, dicomStandardPrefix) {
			return old
		}
		switch t {
		case tag.StudyInstanceUID:
			return sess.studyUID
		case tag.SeriesInstanceUID:
			return sess.seriesUID
		case tag.SOPInstanceUID, tag.MediaStorageSOPInstanceUID:
			return newSOP
		case tag.FrameOfReferenceUID:
			replacement, rerr := sess.frameUID(old)
			if rerr != nil {
				remapErr = rerr
				return old
			}
			return replacement
		default:
			replacement, rerr := sess.obfuscated(old)
			if rerr != nil {
				remapErr = rerr
				return old
			}
			return replacement
		}
	})
	if err != nil {
		return err
	}
	if remapErr != nil {
		return remapErr
	}

	if err := ds.RewriteDates(sess.date); err != nil {
		return err
	}
	ds.RemovePrivateTags()

	outPath := filepath.Join(workDir, fmt.Sprintf("%s.dcm", newSOP))
	return ds.Save(outPath)
}

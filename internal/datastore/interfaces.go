package datastore

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/chavi-india/draw-agent/internal/errors"
)

// ErrStatusConflict is returned when a guarded status transition finds the
// row no longer in any of the expected source states.
var ErrStatusConflict = errors.NewStd("status transition conflict")

// Interface abstracts the datastore operations used by the pipeline stages.
type Interface interface {
	Open() error
	Close() error

	// hierarchy ingestion; the bool reports whether the row was created
	GetOrCreatePatient(p *Patient) (*Patient, bool, error)
	GetOrCreateStudy(s *Study) (*Study, bool, error)
	GetOrCreateSeries(s *Series) (*Series, bool, error)
	GetOrCreateInstance(i *Instance) (*Instance, bool, error)
	IncrementSeriesInstanceCount(seriesID uint) error

	// lookups
	GetSeriesByUID(uid string) (*Series, error)
	GetSeriesByID(id uint) (*Series, error)
	GetSeriesByStatus(statuses ...ProcessingStatus) ([]Series, error)
	GetInstancesForSeries(seriesID uint) ([]Instance, error)
	GetStudy(id uint) (*Study, error)
	GetPatient(id uint) (*Patient, error)

	// rule catalog
	GetRuleCatalog() ([]RuleSet, error)
	GetTemplate(id uint) (*AutosegTemplate, error)

	// status transitions
	UpdateSeriesStatus(seriesUID string, from []ProcessingStatus, to ProcessingStatus) error
	ResetSeries(seriesUID string) error

	// deidentification bookkeeping
	SaveUIDMapping(m *UIDMapping) (*UIDMapping, error)
	GetUIDMapping(level, originalUID string) (*UIDMapping, error)
	FindUIDMapping(originalUID string) (*UIDMapping, error)
	CountUIDMappingsWithPrefix(level, prefix string) (int64, error)
	SaveStudyDeidentification(studyID uint, uid, date string) error
	SavePatientDeidentification(patientID uint, id, name string) error
	PersistDeidentification(archive *DeidentifiedArchive, seriesUID string, instances []Instance) error
	CountArchivesForSeries(seriesID uint) (int64, error)

	// export bookkeeping
	GetPendingExports() ([]FileExport, error)
	GetExport(id uint) (*FileExport, error)
	GetExportByTaskID(taskID string) (*FileExport, error)
	UpdateExportStatus(id uint, from []TransferStatus, to TransferStatus) error
	SaveExport(e *FileExport) error

	// credentials
	GetCredentials() (*DrawCredentials, error)
	SaveCredentials(c *DrawCredentials) error
}

// DataStore implements Interface on top of a gorm database handle.
type DataStore struct {
	DB *gorm.DB
}

func (ds *DataStore) GetOrCreatePatient(p *Patient) (*Patient, bool, error) {
	var existing Patient
	err := ds.DB.Where("patient_id = ?", p.PatientID).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, dbErr("patient lookup", err)
	}
	if err := ds.DB.Create(p).Error; err != nil {
		return nil, false, dbErr("patient create", err)
	}
	return p, true, nil
}

func (ds *DataStore) GetOrCreateStudy(s *Study) (*Study, bool, error) {
	var existing Study
	err := ds.DB.Where("study_instance_uid = ?", s.StudyInstanceUID).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, dbErr("study lookup", err)
	}
	if err := ds.DB.Create(s).Error; err != nil {
		return nil, false, dbErr("study create", err)
	}
	return s, true, nil
}

func (ds *DataStore) GetOrCreateSeries(s *Series) (*Series, bool, error) {
	var existing Series
	err := ds.DB.Where("series_instance_uid = ?", s.SeriesInstanceUID).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, dbErr("series lookup", err)
	}
	if s.Status == "" {
		s.Status = StatusUnprocessed
	}
	if err := ds.DB.Create(s).Error; err != nil {
		return nil, false, dbErr("series create", err)
	}
	return s, true, nil
}

func (ds *DataStore) GetOrCreateInstance(i *Instance) (*Instance, bool, error) {
	var existing Instance
	err := ds.DB.Where("sop_instance_uid = ?", i.SOPInstanceUID).First(&existing).Error
	if err == nil {
		return &existing, false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, dbErr("instance lookup", err)
	}
	if err := ds.DB.Create(i).Error; err != nil {
		return nil, false, dbErr("instance create", err)
	}
	return i, true, nil
}

// IncrementSeriesInstanceCount bumps the cached instance counter.
func (ds *DataStore) IncrementSeriesInstanceCount(seriesID uint) error {
	err := ds.DB.Model(&Series{}).Where("id = ?", seriesID).
		UpdateColumn("instance_count", gorm.Expr("instance_count + 1")).Error
	if err != nil {
		return dbErr("instance count update", err)
	}
	return nil
}

func (ds *DataStore) GetSeriesByUID(uid string) (*Series, error) {
	var s Series
	if err := ds.DB.Where("series_instance_uid = ?", uid).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.Newf("series %s not found", uid).
				Component("datastore").
				Category(errors.CategoryNotFound).
				Build()
		}
		return nil, dbErr("series lookup", err)
	}
	return &s, nil
}

func (ds *DataStore) GetSeriesByID(id uint) (*Series, error) {
	var s Series
	if err := ds.DB.First(&s, id).Error; err != nil {
		return nil, dbErr("series lookup", err)
	}
	return &s, nil
}

func (ds *DataStore) GetSeriesByStatus(statuses ...ProcessingStatus) ([]Series, error) {
	var series []Series
	if err := ds.DB.Where("status IN ?", statuses).Order("id").Find(&series).Error; err != nil {
		return nil, dbErr("series status query", err)
	}
	return series, nil
}

func (ds *DataStore) GetInstancesForSeries(seriesID uint) ([]Instance, error) {
	var instances []Instance
	if err := ds.DB.Where("series_id = ?", seriesID).Order("instance_number").Find(&instances).Error; err != nil {
		return nil, dbErr("instance query", err)
	}
	return instances, nil
}

func (ds *DataStore) GetStudy(id uint) (*Study, error) {
	var s Study
	if err := ds.DB.First(&s, id).Error; err != nil {
		return nil, dbErr("study lookup", err)
	}
	return &s, nil
}

func (ds *DataStore) GetPatient(id uint) (*Patient, error) {
	var p Patient
	if err := ds.DB.First(&p, id).Error; err != nil {
		return nil, dbErr("patient lookup", err)
	}
	return &p, nil
}

// GetRuleCatalog loads all enabled rulesets with their rules and templates.
func (ds *DataStore) GetRuleCatalog() ([]RuleSet, error) {
	var rulesets []RuleSet
	err := ds.DB.
		Preload("Rules").
		Preload("Template").
		Preload("Template.Models").
		Preload("Template.Models.Structures").
		Where("enabled = ?", true).
		Order("id").
		Find(&rulesets).Error
	if err != nil {
		return nil, dbErr("rule catalog query", err)
	}
	return rulesets, nil
}

func (ds *DataStore) GetTemplate(id uint) (*AutosegTemplate, error) {
	var t AutosegTemplate
	err := ds.DB.
		Preload("Models").
		Preload("Models.Structures").
		First(&t, id).Error
	if err != nil {
		return nil, dbErr("template lookup", err)
	}
	return &t, nil
}

// UpdateSeriesStatus performs a guarded transition: the update only applies
// when the series is currently in one of the from states. A zero-row update
// means another worker got there first and yields ErrStatusConflict.
func (ds *DataStore) UpdateSeriesStatus(seriesUID string, from []ProcessingStatus, to ProcessingStatus) error {
	res := ds.DB.Model(&Series{}).
		Where("series_instance_uid = ? AND status IN ?", seriesUID, from).
		Update("status", to)
	if res.Error != nil {
		return dbErr("series status update", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.New(fmt.Errorf("%w: series %s not in %v", ErrStatusConflict, seriesUID, from)).
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// ResetSeries returns a series to UNPROCESSED and discards its archives and
// pending exports. Completed transfers are kept for audit. A series that was
// already sent, or whose archive is mid-transfer, cannot be reset.
func (ds *DataStore) ResetSeries(seriesUID string) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		var s Series
		if err := tx.Where("series_instance_uid = ?", seriesUID).First(&s).Error; err != nil {
			return dbErr("series lookup", err)
		}
		if s.Status == StatusSentToDrawServer {
			return errors.Newf("series %s was already sent and cannot be reset", seriesUID).
				Component("datastore").
				Category(errors.CategoryState).
				Build()
		}
		var archives []DeidentifiedArchive
		if err := tx.Where("series_id = ?", s.ID).Find(&archives).Error; err != nil {
			return dbErr("archive query", err)
		}
		for i := range archives {
			var inFlight int64
			err := tx.Model(&FileExport{}).
				Where("archive_id = ? AND status = ?", archives[i].ID, TransferInProgress).
				Count(&inFlight).Error
			if err != nil {
				return dbErr("export query", err)
			}
			if inFlight > 0 {
				return errors.Newf("series %s has a transfer in progress", seriesUID).
					Component("datastore").
					Category(errors.CategoryState).
					Build()
			}
			err = tx.Where("archive_id = ? AND status <> ?", archives[i].ID, TransferCompleted).
				Delete(&FileExport{}).Error
			if err != nil {
				return dbErr("export delete", err)
			}
		}
		if err := tx.Where("series_id = ?", s.ID).Delete(&DeidentifiedArchive{}).Error; err != nil {
			return dbErr("archive delete", err)
		}
		return tx.Model(&s).Update("status", StatusUnprocessed).Error
	})
}

// SaveUIDMapping stores a mapping, returning the existing row when the
// (level, original) pair was already mapped.
func (ds *DataStore) SaveUIDMapping(m *UIDMapping) (*UIDMapping, error) {
	var existing UIDMapping
	err := ds.DB.Where("level = ? AND original_uid = ?", m.Level, m.OriginalUID).First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, dbErr("uid mapping lookup", err)
	}
	if err := ds.DB.Create(m).Error; err != nil {
		return nil, dbErr("uid mapping create", err)
	}
	return m, nil
}

func (ds *DataStore) GetUIDMapping(level, originalUID string) (*UIDMapping, error) {
	var m UIDMapping
	err := ds.DB.Where("level = ? AND original_uid = ?", level, originalUID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("uid mapping lookup", err)
	}
	return &m, nil
}

// FindUIDMapping looks an original UID up across every mapping level. A UID
// referenced from another file must resolve to the same counterpart no
// matter which level first minted it.
func (ds *DataStore) FindUIDMapping(originalUID string) (*UIDMapping, error) {
	var m UIDMapping
	err := ds.DB.Where("original_uid = ?", originalUID).Order("id").First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("uid mapping lookup", err)
	}
	return &m, nil
}

// CountUIDMappingsWithPrefix counts mappings at level whose deidentified UID
// starts with prefix. Used to assign series ordinals within a study.
func (ds *DataStore) CountUIDMappingsWithPrefix(level, prefix string) (int64, error) {
	var n int64
	err := ds.DB.Model(&UIDMapping{}).
		Where("level = ? AND deidentified_uid LIKE ?", level, prefix+"%").
		Count(&n).Error
	if err != nil {
		return 0, dbErr("uid mapping count", err)
	}
	return n, nil
}

func (ds *DataStore) SaveStudyDeidentification(studyID uint, uid, date string) error {
	err := ds.DB.Model(&Study{}).Where("id = ?", studyID).
		Updates(map[string]any{"deidentified_uid": uid, "deidentified_date": date}).Error
	if err != nil {
		return dbErr("study deidentification update", err)
	}
	return nil
}

func (ds *DataStore) SavePatientDeidentification(patientID uint, id, name string) error {
	err := ds.DB.Model(&Patient{}).Where("id = ?", patientID).
		Updates(map[string]any{"deidentified_id": id, "deidentified_name": name}).Error
	if err != nil {
		return dbErr("patient deidentification update", err)
	}
	return nil
}

// PersistDeidentification atomically records the archive, the per-instance
// deidentified UIDs, the series status change and the pending export row.
func (ds *DataStore) PersistDeidentification(archive *DeidentifiedArchive, seriesUID string, instances []Instance) error {
	return ds.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "series_id"}, {Name: "template_id"}},
			UpdateAll: true,
		}).Create(archive).Error; err != nil {
			return dbErr("archive create", err)
		}
		if archive.ID == 0 {
			// upsert hit the existing row, fetch its id
			var existing DeidentifiedArchive
			err := tx.Where("series_id = ? AND template_id = ?", archive.SeriesID, archive.TemplateID).
				First(&existing).Error
			if err != nil {
				return dbErr("archive lookup", err)
			}
			archive.ID = existing.ID
		}
		for i := range instances {
			err := tx.Model(&Instance{}).Where("id = ?", instances[i].ID).
				Update("deidentified_uid", instances[i].DeidentifiedUID).Error
			if err != nil {
				return dbErr("instance uid update", err)
			}
		}
		res := tx.Model(&Series{}).
			Where("series_instance_uid = ? AND status IN ?", seriesUID,
				[]ProcessingStatus{StatusRuleMatched, StatusMultipleRulesMatched,
					StatusDeidentificationFailed, StatusDeidentified}).
			Updates(map[string]any{
				"status":                 StatusDeidentified,
				"deidentified_uid":       archive.DeidentifiedUID,
				"deidentified_frame_uid": archive.DeidentifiedFrameUID,
				"deidentified_date":      archive.DeidentifiedDate,
			})
		if res.Error != nil {
			return dbErr("series status update", res.Error)
		}
		if res.RowsAffected == 0 {
			return errors.New(fmt.Errorf("%w: series %s", ErrStatusConflict, seriesUID)).
				Component("datastore").
				Category(errors.CategoryState).
				Build()
		}
		export := FileExport{ArchiveID: archive.ID, Status: TransferPending}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "archive_id"}},
			DoUpdates: clause.Assignments(map[string]any{"status": TransferPending, "last_error": ""}),
		}).Create(&export).Error; err != nil {
			return dbErr("export create", err)
		}
		return nil
	})
}

func (ds *DataStore) CountArchivesForSeries(seriesID uint) (int64, error) {
	var n int64
	if err := ds.DB.Model(&DeidentifiedArchive{}).Where("series_id = ?", seriesID).Count(&n).Error; err != nil {
		return 0, dbErr("archive count", err)
	}
	return n, nil
}

func (ds *DataStore) GetPendingExports() ([]FileExport, error) {
	var exports []FileExport
	err := ds.DB.Preload("Archive").
		Where("status IN ?", []TransferStatus{TransferPending, TransferFailed}).
		Order("id").
		Find(&exports).Error
	if err != nil {
		return nil, dbErr("pending export query", err)
	}
	return exports, nil
}

func (ds *DataStore) GetExport(id uint) (*FileExport, error) {
	var e FileExport
	if err := ds.DB.Preload("Archive").First(&e, id).Error; err != nil {
		return nil, dbErr("export lookup", err)
	}
	return &e, nil
}

// GetExportByTaskID finds the export that produced a remote task. Returns
// nil when no export carries the task id.
func (ds *DataStore) GetExportByTaskID(taskID string) (*FileExport, error) {
	var e FileExport
	err := ds.DB.Preload("Archive").Where("task_id = ?", taskID).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("export lookup", err)
	}
	return &e, nil
}

// UpdateExportStatus is the guarded transition for export rows, mirroring
// UpdateSeriesStatus.
func (ds *DataStore) UpdateExportStatus(id uint, from []TransferStatus, to TransferStatus) error {
	updates := map[string]any{"status": to}
	if to == TransferCompleted {
		now := time.Now()
		updates["transferred_at"] = &now
	}
	res := ds.DB.Model(&FileExport{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return dbErr("export status update", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.New(fmt.Errorf("%w: export %d not in %v", ErrStatusConflict, id, from)).
			Component("datastore").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

func (ds *DataStore) SaveExport(e *FileExport) error {
	if err := ds.DB.Save(e).Error; err != nil {
		return dbErr("export save", err)
	}
	return nil
}

// GetCredentials returns the stored DRAW credentials, or nil when no token
// has been configured yet.
func (ds *DataStore) GetCredentials() (*DrawCredentials, error) {
	var c DrawCredentials
	err := ds.DB.First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, dbErr("credentials lookup", err)
	}
	return &c, nil
}

func (ds *DataStore) SaveCredentials(c *DrawCredentials) error {
	if err := ds.DB.Save(c).Error; err != nil {
		return dbErr("credentials save", err)
	}
	return nil
}

func dbErr(op string, err error) error {
	return errors.New(fmt.Errorf("%s: %w", op, err)).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Build()
}

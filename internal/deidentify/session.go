package deidentify

import (
	"github.com/google/uuid"

	"github.com/chavi-india/draw-agent/internal/datastore"
)

// UID mapping levels persisted in the datastore.
const (
	levelStudy    = "study"
	levelSeries   = "series"
	levelFrame    = "frame"
	levelInstance = "instance"
	levelOther    = "other"
)

// session holds the UID and date assignments for one series run. Persisted
// mappings are reused so reprocessing a series, or processing a sibling
// series of the same study, yields the same deidentified hierarchy.
type session struct {
	store datastore.Interface
	gen   *UIDGenerator

	studyUID  string // deidentified study UID
	seriesUID string // deidentified series UID
	frame     string // last resolved frame of reference UID
	date      string // study-wide random date
	patientID string // deidentified patient identifier

	// referenced UIDs outside the managed hierarchy, obfuscated once per run
	other map[string]string
}

func newSession(store datastore.Interface, gen *UIDGenerator) *session {
	return &session{store: store, gen: gen, other: make(map[string]string)}
}

// resolveStudy assigns or reuses the deidentified study UID, the random
// study date and the patient identifier.
func (s *session) resolveStudy(patient *datastore.Patient, study *datastore.Study, minYear, maxYear int) error {
	mapping, err := s.store.SaveUIDMapping(&datastore.UIDMapping{
		Level:           levelStudy,
		OriginalUID:     study.StudyInstanceUID,
		DeidentifiedUID: s.gen.StudyUID(),
	})
	if err != nil {
		return err
	}
	s.studyUID = mapping.DeidentifiedUID

	s.date = study.DeidentifiedDate
	if s.date == "" {
		s.date = s.gen.RandomDate(minYear, maxYear)
	}
	if err := s.store.SaveStudyDeidentification(study.ID, s.studyUID, s.date); err != nil {
		return err
	}

	s.patientID = patient.DeidentifiedID
	if s.patientID == "" {
		s.patientID = uuid.NewString()
		if err := s.store.SavePatientDeidentification(patient.ID, s.patientID, maskValue); err != nil {
			return err
		}
	}
	return nil
}

// resolveSeries assigns or reuses the deidentified series UID. New series
// get the next ordinal under their study.
func (s *session) resolveSeries(seriesInstanceUID string) error {
	existing, err := s.store.GetUIDMapping(levelSeries, seriesInstanceUID)
	if err != nil {
		return err
	}
	if existing != nil {
		s.seriesUID = existing.DeidentifiedUID
		return nil
	}

	ordinal, err := s.store.CountUIDMappingsWithPrefix(levelSeries, s.studyUID+".")
	if err != nil {
		return err
	}
	mapping, err := s.store.SaveUIDMapping(&datastore.UIDMapping{
		Level:           levelSeries,
		OriginalUID:     seriesInstanceUID,
		DeidentifiedUID: s.gen.SeriesUID(s.studyUID, int(ordinal)+1),
	})
	if err != nil {
		return err
	}
	s.seriesUID = mapping.DeidentifiedUID
	return nil
}

// frameUID maps a frame of reference UID under the deidentified series.
func (s *session) frameUID(original string) (string, error) {
	mapping, err := s.store.SaveUIDMapping(&datastore.UIDMapping{
		Level:           levelFrame,
		OriginalUID:     original,
		DeidentifiedUID: s.gen.FrameUID(s.seriesUID),
	})
	if err != nil {
		return "", err
	}
	s.frame = mapping.DeidentifiedUID
	return mapping.DeidentifiedUID, nil
}

// sopUID maps an instance UID under the deidentified series.
func (s *session) sopUID(original string) (string, error) {
	mapping, err := s.store.SaveUIDMapping(&datastore.UIDMapping{
		Level:           levelInstance,
		OriginalUID:     original,
		DeidentifiedUID: s.gen.SOPUID(s.seriesUID),
	})
	if err != nil {
		return "", err
	}
	return mapping.DeidentifiedUID, nil
}

// obfuscated resolves a UID that is neither a hierarchy UID of this series
// nor a DICOM-standard identifier. A UID already remapped at any level, for
// example a sibling series referenced across files, resolves to its recorded
// counterpart; anything else gets a persisted obfuscation so every archive
// referencing it agrees.
func (s *session) obfuscated(original string) (string, error) {
	if v, ok := s.other[original]; ok {
		return v, nil
	}
	existing, err := s.store.FindUIDMapping(original)
	if err != nil {
		return "", err
	}
	if existing != nil {
		s.other[original] = existing.DeidentifiedUID
		return existing.DeidentifiedUID, nil
	}
	mapping, err := s.store.SaveUIDMapping(&datastore.UIDMapping{
		Level:           levelOther,
		OriginalUID:     original,
		DeidentifiedUID: s.gen.ObfuscateUID(original),
	})
	if err != nil {
		return "", err
	}
	s.other[original] = mapping.DeidentifiedUID
	return mapping.DeidentifiedUID, nil
}

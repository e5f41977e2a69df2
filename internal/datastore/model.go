// Package datastore manages the persistent metadata catalog backing the
// pipeline: the DICOM hierarchy, the rule catalog, deidentification sessions
// and export bookkeeping.
package datastore

import (
	"time"

	"gorm.io/gorm"
)

// ProcessingStatus tracks a series through the rule matching and
// deidentification stages.
type ProcessingStatus string

const (
	StatusUnprocessed            ProcessingStatus = "UNPROCESSED"
	StatusRuleMatched            ProcessingStatus = "RULE_MATCHED"
	StatusRuleNotMatched         ProcessingStatus = "RULE_NOT_MATCHED"
	StatusMultipleRulesMatched   ProcessingStatus = "MULTIPLE_RULES_MATCHED"
	StatusDeidentified           ProcessingStatus = "DEIDENTIFIED_SUCCESSFULLY"
	StatusDeidentificationFailed ProcessingStatus = "DEIDENTIFICATION_FAILED"
	StatusPendingTransfer        ProcessingStatus = "PENDING_TRANSFER_TO_DRAW_SERVER"
	StatusSentToDrawServer       ProcessingStatus = "SENT_TO_DRAW_SERVER"
	StatusFailedTransferToServer ProcessingStatus = "FAILED_TRANSFER_TO_DRAW_SERVER"
)

// TransferStatus tracks an individual export archive through the upload flow.
type TransferStatus string

const (
	TransferPending    TransferStatus = "PENDING"
	TransferInProgress TransferStatus = "IN_PROGRESS"
	TransferCompleted  TransferStatus = "COMPLETED"
	TransferFailed     TransferStatus = "FAILED"
)

// Patient is the root of the DICOM hierarchy. The deidentified identifiers
// are generated once and reused for every study of the same patient.
type Patient struct {
	ID               uint   `gorm:"primaryKey"`
	PatientID        string `gorm:"uniqueIndex;size:64"`
	PatientName      string `gorm:"size:255"`
	Gender           string `gorm:"size:16"`
	BirthDate        string `gorm:"size:16"`
	DeidentifiedID   string `gorm:"size:64"`
	DeidentifiedName string `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Studies          []Study `gorm:"foreignKey:PatientID;references:ID"`
}

// Study groups series under a patient. DeidentifiedDate is the randomized
// date shared by every date attribute rewritten within the study.
type Study struct {
	ID               uint   `gorm:"primaryKey"`
	PatientID        uint   `gorm:"index"`
	StudyInstanceUID string `gorm:"uniqueIndex;size:64"`
	StudyDate        string `gorm:"size:16"`
	StudyDescription string `gorm:"size:255"`
	Modality         string `gorm:"size:16"`
	DeidentifiedUID  string `gorm:"size:64"`
	DeidentifiedDate string `gorm:"size:16"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Series           []Series `gorm:"foreignKey:StudyID;references:ID"`
}

// Series is the unit of processing. Its ProcessingStatus drives which
// pipeline stage touches it next.
type Series struct {
	ID                   uint   `gorm:"primaryKey"`
	StudyID              uint   `gorm:"index"`
	SeriesInstanceUID    string `gorm:"uniqueIndex;size:64"`
	Modality             string `gorm:"size:16"`
	SeriesDescription    string `gorm:"size:255"`
	BodyPartExamined     string `gorm:"size:64"`
	ProtocolName         string `gorm:"size:255"`
	StationName          string `gorm:"size:64"`
	SeriesDate           string `gorm:"size:16"`
	FrameOfReferenceUID  string `gorm:"size:64"`
	RootPath             string `gorm:"size:512"`
	InstanceCount        int
	DeidentifiedUID      string           `gorm:"size:64"`
	DeidentifiedFrameUID string           `gorm:"size:64"`
	DeidentifiedDate     string           `gorm:"size:16"`
	Status               ProcessingStatus `gorm:"index;size:48;default:UNPROCESSED"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
	Instances            []Instance `gorm:"foreignKey:SeriesID;references:ID"`
}

// Instance is a single DICOM file on disk.
type Instance struct {
	ID              uint   `gorm:"primaryKey"`
	SeriesID        uint   `gorm:"index"`
	SOPInstanceUID  string `gorm:"uniqueIndex;size:64"`
	SOPClassUID     string `gorm:"size:64"`
	InstanceNumber  int
	FilePath        string `gorm:"size:512"`
	DeidentifiedUID string `gorm:"size:64"`
	CreatedAt       time.Time
}

// RuleSet groups rules under a combination operator and binds the matched
// series to an autosegmentation template.
type RuleSet struct {
	ID          uint            `gorm:"primaryKey"`
	Name        string          `gorm:"uniqueIndex;size:128"`
	Description string          `gorm:"size:512"`
	Operator    string          `gorm:"size:8"` // AND or OR
	Enabled     bool            `gorm:"default:true"`
	TemplateID  uint            `gorm:"index"`
	Template    AutosegTemplate `gorm:"foreignKey:TemplateID;references:ID"`
	Rules       []Rule          `gorm:"foreignKey:RuleSetID;references:ID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Rule is a single condition over a DICOM attribute.
type Rule struct {
	ID        uint   `gorm:"primaryKey"`
	RuleSetID uint   `gorm:"index"`
	TagName   string `gorm:"size:64"`  // DICOM attribute keyword, e.g. Modality
	TagID     string `gorm:"size:16"`  // (GGGG,EEEE) form, used when keyword lookup misses
	Operator  string `gorm:"size:32"`  // comparison operator name
	Value     string `gorm:"size:255"` // right-hand operand as stored text
	ValueType string `gorm:"size:16"`  // NUMERIC or STRING, disambiguates Equals
}

// AutosegTemplate describes the structure set a matched series is processed
// against. The template document shipped inside each archive is rendered
// from this hierarchy.
type AutosegTemplate struct {
	ID          uint           `gorm:"primaryKey"`
	Name        string         `gorm:"uniqueIndex;size:128"`
	Protocol    string         `gorm:"size:32;default:DRAW"`
	Description string         `gorm:"size:512"`
	Models      []AutosegModel `gorm:"foreignKey:TemplateID;references:ID"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AutosegModel is one segmentation model within a template.
type AutosegModel struct {
	ID          uint               `gorm:"primaryKey"`
	TemplateID  uint               `gorm:"index"`
	ModelID     int                `gorm:"index"` // stable identifier used as the document key
	Name        string             `gorm:"size:128"`
	Config      string             `gorm:"size:255"`
	TrainerName string             `gorm:"size:128"`
	Postprocess string             `gorm:"size:255"`
	Structures  []AutosegStructure `gorm:"foreignKey:ModelID;references:ID"`
}

// AutosegStructure maps an output label of a model to a structure name.
type AutosegStructure struct {
	ID      uint   `gorm:"primaryKey"`
	ModelID uint   `gorm:"index"`
	MapID   int    // label index within the model output
	Name    string `gorm:"size:128"`
}

// DeidentifiedArchive records one produced archive for a (series, template)
// pair together with the UID mappings needed to reidentify results.
type DeidentifiedArchive struct {
	ID                   uint   `gorm:"primaryKey"`
	SeriesID             uint   `gorm:"index:idx_series_template,unique"`
	TemplateID           uint   `gorm:"index:idx_series_template,unique"`
	ArchivePath          string `gorm:"size:512"`
	DeidentifiedUID      string `gorm:"size:64"` // deidentified series UID inside the archive
	DeidentifiedFrameUID string `gorm:"size:64"`
	DeidentifiedDate     string `gorm:"size:16"`
	InstanceCount        int
	CreatedAt            time.Time
}

// FileExport tracks the transfer of one archive to the DRAW server.
type FileExport struct {
	ID            uint                `gorm:"primaryKey"`
	ArchiveID     uint                `gorm:"uniqueIndex"`
	Archive       DeidentifiedArchive `gorm:"foreignKey:ArchiveID;references:ID"`
	Checksum      string              `gorm:"size:80"` // hex SHA-256 of the archive
	TaskID        string              `gorm:"size:128"`
	Status        TransferStatus      `gorm:"index;size:16;default:PENDING"`
	ServerStatus  string              `gorm:"size:32"` // last remote processing state reported for TaskID
	AttemptCount  int
	LastError     string `gorm:"size:512"`
	TransferredAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DrawCredentials is the single-row table holding the bearer token for the
// DRAW server. Refreshed tokens are persisted here before use so a crash
// mid-upload never loses a rotated token.
type DrawCredentials struct {
	ID           uint   `gorm:"primaryKey"`
	AccessToken  string `gorm:"size:2048"`
	RefreshToken string `gorm:"size:2048"`
	ExpiresAt    *time.Time
	UpdatedAt    time.Time
}

// UIDMapping records an original to deidentified UID pair so repeated runs
// over the same hierarchy reuse identifiers instead of minting new ones.
type UIDMapping struct {
	ID              uint   `gorm:"primaryKey"`
	Level           string `gorm:"index:idx_uid_level,unique;size:16"` // patient, study, series, instance, frame
	OriginalUID     string `gorm:"index:idx_uid_level,unique;size:64"`
	DeidentifiedUID string `gorm:"size:64"`
	CreatedAt       time.Time
}

// allModels lists every table for automigration.
func allModels() []any {
	return []any{
		&Patient{}, &Study{}, &Series{}, &Instance{},
		&RuleSet{}, &Rule{},
		&AutosegTemplate{}, &AutosegModel{}, &AutosegStructure{},
		&DeidentifiedArchive{}, &FileExport{},
		&DrawCredentials{}, &UIDMapping{},
	}
}

// BeforeSave normalizes the ruleset operator.
func (rs *RuleSet) BeforeSave(tx *gorm.DB) error {
	if rs.Operator == "" {
		rs.Operator = "AND"
	}
	return nil
}

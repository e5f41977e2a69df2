package conf

import (
	"fmt"
	"strings"

	"github.com/chavi-india/draw-agent/internal/errors"
)

// ValidationError holds a list of configuration problems found during validation.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks the loaded settings for inconsistencies that would
// break the pipeline at runtime.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	validateStorage(&settings.Storage, &ve)
	validateDeidentify(&settings.Deidentify, &ve)
	validateDraw(&settings.Draw, &ve)

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return nil
}

func validateStorage(s *StorageSettings, ve *ValidationError) {
	if s.Root == "" {
		ve.Errors = append(ve.Errors, "storage.root must not be empty")
	}
	if s.ScanWorkers < 0 {
		ve.Errors = append(ve.Errors, "storage.scanworkers must not be negative")
	}
	if s.ChunkSize <= 0 {
		ve.Errors = append(ve.Errors, "storage.chunksize must be positive")
	}
}

func validateDeidentify(s *DeidentifySettings, ve *ValidationError) {
	if s.OrgPrefix == "" {
		ve.Errors = append(ve.Errors, "deidentify.orgprefix must not be empty")
	}
	if strings.HasSuffix(s.OrgPrefix, ".") {
		ve.Errors = append(ve.Errors, "deidentify.orgprefix must not end with a dot")
	}
	if s.StagingDir == "" {
		ve.Errors = append(ve.Errors, "deidentify.stagingdir must not be empty")
	}
	if s.MinYear <= 0 || s.MaxYear <= 0 || s.MinYear > s.MaxYear {
		ve.Errors = append(ve.Errors, "deidentify year range is invalid")
	}
}

func validateDraw(s *DrawSettings, ve *ValidationError) {
	// BaseURL may be empty when the export stage is unused, but endpoints
	// must stay well formed so URL joining cannot silently misroute.
	if s.BaseURL != "" && !strings.HasPrefix(s.BaseURL, "http://") && !strings.HasPrefix(s.BaseURL, "https://") {
		ve.Errors = append(ve.Errors, "draw.baseurl must start with http:// or https://")
	}
	if !strings.HasPrefix(s.UploadEndpoint, "/") {
		ve.Errors = append(ve.Errors, "draw.uploadendpoint must start with /")
	}
	if !strings.Contains(s.StatusEndpoint, "{task_id}") {
		ve.Errors = append(ve.Errors, "draw.statusendpoint must contain a {task_id} placeholder")
	}
	if s.HealthRetries <= 0 {
		ve.Errors = append(ve.Errors, "draw.healthretries must be positive")
	}
	if s.UploadTimeout <= 0 || s.HealthTimeout <= 0 {
		ve.Errors = append(ve.Errors, "draw timeouts must be positive")
	}
}

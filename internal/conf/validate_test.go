package conf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettings() *Settings {
	return &Settings{
		Storage: StorageSettings{Root: "dicom", ChunkSize: 200},
		Deidentify: DeidentifySettings{
			OrgPrefix:  "1.2.826.0.1.3680043.10.1561",
			StagingDir: "staging",
			MinYear:    2000,
			MaxYear:    2020,
		},
		Draw: DrawSettings{
			BaseURL:          "https://draw.example.org",
			UploadEndpoint:   "/api/upload/",
			StatusEndpoint:   "/api/upload/{task_id}/status/",
			UploadTimeout:    5 * time.Minute,
			HealthTimeout:    30 * time.Second,
			HealthRetries:    3,
			HealthRetryDelay: time.Minute,
		},
	}
}

func TestValidateSettingsValid(t *testing.T) {
	require.NoError(t, ValidateSettings(validSettings()))
}

func TestValidateSettingsRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"empty storage root", func(s *Settings) { s.Storage.Root = "" }},
		{"zero chunk size", func(s *Settings) { s.Storage.ChunkSize = 0 }},
		{"empty org prefix", func(s *Settings) { s.Deidentify.OrgPrefix = "" }},
		{"trailing dot in prefix", func(s *Settings) { s.Deidentify.OrgPrefix = "1.2.826." }},
		{"inverted year range", func(s *Settings) { s.Deidentify.MinYear = 2021 }},
		{"bad base url scheme", func(s *Settings) { s.Draw.BaseURL = "ftp://draw.example.org" }},
		{"relative upload endpoint", func(s *Settings) { s.Draw.UploadEndpoint = "api/upload/" }},
		{"status endpoint without placeholder", func(s *Settings) { s.Draw.StatusEndpoint = "/api/status/" }},
		{"zero health retries", func(s *Settings) { s.Draw.HealthRetries = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := validSettings()
			tt.mutate(s)
			err := ValidateSettings(s)
			assert.Error(t, err)
		})
	}
}

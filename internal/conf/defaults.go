package conf

import (
	"time"

	"github.com/spf13/viper"
)

// setDefaultConfig registers default values for all settings.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	// Main defaults
	viper.SetDefault("main.name", "draw-agent")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs")

	// Storage defaults
	viper.SetDefault("storage.root", "dicom")
	viper.SetDefault("storage.scanworkers", 0)
	viper.SetDefault("storage.chunksize", 200)

	// Output defaults
	viper.SetDefault("output.sqlite.enabled", true)
	viper.SetDefault("output.sqlite.path", "draw-agent.db")

	// Deidentification defaults
	viper.SetDefault("deidentify.orgprefix", "1.2.826.0.1.3680043.10.1561")
	viper.SetDefault("deidentify.stagingdir", "staging")
	viper.SetDefault("deidentify.minyear", 2000)
	viper.SetDefault("deidentify.maxyear", 2020)

	// DRAW server defaults
	viper.SetDefault("draw.baseurl", "")
	viper.SetDefault("draw.uploadendpoint", "/api/upload/")
	viper.SetDefault("draw.statusendpoint", "/api/upload/{task_id}/status/")
	viper.SetDefault("draw.clientid", "")
	viper.SetDefault("draw.uploadtimeout", 5*time.Minute)
	viper.SetDefault("draw.healthtimeout", 30*time.Second)
	viper.SetDefault("draw.healthretries", 3)
	viper.SetDefault("draw.healthretrydelay", 60*time.Second)

	// Pipeline defaults
	viper.SetDefault("pipeline.workers", 0)

	// Observability defaults, metrics listener off unless an address is set
	viper.SetDefault("observability.metricsaddr", "")
}

// conf/defaults.go default values for settings
package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.name", "trunkfeed")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "logs/trunkfeed.log")

	viper.SetDefault("web.address", ":8080")

	viper.SetDefault("datastore.path", "trunkfeed.db")

	viper.SetDefault("ingest.saveretries", 3)
	viper.SetDefault("ingest.maxaudiosize", 64*1024*1024)
	viper.SetDefault("ingest.cachettl", 30*time.Second)

	viper.SetDefault("brokers", []map[string]any{})

	viper.SetDefault("realtime.writetimeout", 5*time.Second)
	viper.SetDefault("realtime.pinginterval", 30*time.Second)

	viper.SetDefault("forward.timeout", 15*time.Second)
	viper.SetDefault("forward.maxretries", 5)

	viper.SetDefault("alert.externaltimeout", 10*time.Second)

	viper.SetDefault("prune.interval", time.Hour)
	viper.SetDefault("prune.maxdeletions", 1000)
}

package config

import (
	"time"

	mailConfig "github.com/iurnickita/keydelivery/internal/service/mailclient/config"
	platformConfig "github.com/iurnickita/keydelivery/internal/service/platformclient/config"
)

type Config struct {
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"20"`
	AdminEmail    string        `env:"ADMIN_EMAIL"`
	Platform      platformConfig.Config
	Mail          mailConfig.Config
}

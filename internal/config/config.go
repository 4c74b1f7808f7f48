package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	handlerConfig "github.com/iurnickita/keydelivery/internal/handler/config"
	loggerConfig "github.com/iurnickita/keydelivery/internal/logger/config"
	serviceConfig "github.com/iurnickita/keydelivery/internal/service/config"
	storeConfig "github.com/iurnickita/keydelivery/internal/store/config"
)

type Config struct {
	Handler handlerConfig.Config
	Service serviceConfig.Config
	Store   storeConfig.Config
	Logger  loggerConfig.Config
}

// GetConfig читает конфигурацию из переменных окружения.
func GetConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	switch cfg.Store.Driver {
	case storeConfig.DriverPostgres, storeConfig.DriverSQLite:
	default:
		return Config{}, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.Store.Driver)
	}
	return cfg, nil
}

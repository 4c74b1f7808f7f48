package config

import "time"

type Config struct {
	APIURL      string        `env:"PLATFORM_API_URL"`
	AccessToken string        `env:"PLATFORM_ACCESS_TOKEN"`
	Timeout     time.Duration `env:"PLATFORM_TIMEOUT" envDefault:"10s"`
}

package config

import "time"

type Config struct {
	APIURL  string        `env:"MAIL_API_URL" envDefault:"https://api.resend.com"`
	APIKey  string        `env:"MAIL_API_KEY"`
	From    string        `env:"SENDER_EMAIL" envDefault:"onboarding@resend.dev"`
	Timeout time.Duration `env:"MAIL_TIMEOUT" envDefault:"15s"`
}

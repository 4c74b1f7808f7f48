package config

type Config struct {
	ServerAddr string `env:"RUN_ADDRESS" envDefault:":8080"`
	// WebhookSecret verifies order-event signatures; empty disables the check.
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	// AdminTokenSecret signs admin tokens; empty disables the admin API.
	AdminTokenSecret string `env:"ADMIN_TOKEN_SECRET"`
}

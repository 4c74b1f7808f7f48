package config

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"
)

type Config struct {
	Driver string `env:"DATABASE_DRIVER" envDefault:"pgx"`
	DBDsn  string `env:"DATABASE_URI"`
}

// internal/config/database.go
package config

import (
	"fmt"
)

// DSN is the libpq keyword form, accepted by pgxpool.ParseConfig. Pool sizing
// is carried as pgxpool parameters so gorm and river share one pool.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_max_conn_lifetime=%ds",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode, d.MaxOpenConns, d.MaxLifetime,
	)
}

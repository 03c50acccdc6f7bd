package main

import (
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// ParseDatabaseDriver picks the gorm dialector for a DB_URL of the form
// "<driver>://<dsn>". It returns nil for an unknown driver.
func ParseDatabaseDriver(dbURL string) gorm.Dialector {

	// Split the driver name off the front
	driver, dsn, ok := strings.Cut(strings.TrimSpace(dbURL), "://")
	if !ok || dsn == "" {
		return nil
	}

	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn)
	case "mysql":
		return mysql.Open(dsn)
	case "postgres", "postgresql":
		// The postgres driver takes the full URL
		return postgres.Open(dbURL)
	default:
		return nil
	}

}

// checkOrigin builds the socket.io origin check from the allowed origins. An
// empty list allows every origin.
func checkOrigin(allowedOrigins []string) func(origin string) bool {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return func(origin string) bool {
		if len(allowed) == 0 || allowed["*"] {
			return true
		}
		return allowed[strings.TrimRight(origin, "/")]
	}
}

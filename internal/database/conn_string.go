package database

import (
	"fmt"
	"net/url"

	"github.com/rickgao/statusfeed/internal/config"
)

// BuildConnString builds a PostgreSQL connection string from config.
// A non-empty appName is reported to the server as application_name.
func BuildConnString(cfg config.DBConfig, appName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = config.DefaultDBSSLMode
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
	if appName != "" {
		connStr += "&application_name=" + url.QueryEscape(appName)
	}
	return connStr
}

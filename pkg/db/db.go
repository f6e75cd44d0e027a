package db

import (
	"net"
	"net/url"
	"strconv"

	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
)

func GetDBDSN(config *config.DatabaseConfig) string {
	query := url.Values{}
	query.Set("sslmode", config.SSLMode)
	if config.MaxConns > 0 {
		query.Set("pool_max_conns", strconv.Itoa(int(config.MaxConns)))
	}

	dsn := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(config.User, config.Password),
		Host:     net.JoinHostPort(config.Host, config.Port),
		Path:     "/" + config.DBName,
		RawQuery: query.Encode(),
	}
	return dsn.String()
}

package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	dbApplicationName = "pairhub"
	dbStartupPing     = 3 * time.Second
	dbReadyPing       = 2 * time.Second
)

// NewDBPool builds the audit pool from cfg and checks that Postgres answers.
// Connections resolve unqualified names in DB_SCHEMA, the same search_path
// `pairhub migrate` uses, so ad hoc queries see the audit table too.
// Schema changes stay with `pairhub migrate up`.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := dbPoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pingWithin(ctx, dbStartupPing, pool.Ping); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func dbPoolConfig(cfg Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	params := pcfg.ConnConfig.RuntimeParams
	if _, ok := params["application_name"]; !ok {
		params["application_name"] = dbApplicationName
	}
	if schema := strings.TrimSpace(cfg.DBSchema); schema != "" && schema != "public" {
		params["search_path"] = schema + ",public"
	}
	return pcfg, nil
}

// pingWithin runs ping under its own deadline.
func pingWithin(parent context.Context, timeout time.Duration, ping func(context.Context) error) error {
	if ping == nil {
		return errors.New("db: no pinger")
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return ping(ctx)
}

package sqlclient

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pingcap/errors"
)

// Pgx connects straight from the harness host to the container address.
// It needs the container network to be routable from the host.
type Pgx struct {
	connectTimeout time.Duration
}

func NewPgx(connectTimeout time.Duration) *Pgx {
	if connectTimeout <= 0 {
		connectTimeout = 5 * time.Second
	}
	return &Pgx{connectTimeout: connectTimeout}
}

func (p *Pgx) Name() string {
	return "pgx"
}

func (p *Pgx) Query(ctx context.Context, target Target, creds Credentials, sql string) (*Result, error) {
	config, err := pgx.ParseConfig(URI(target, creds, true) + "?sslmode=disable")
	if err != nil {
		return nil, errors.Annotatef(err, "failed to parse connection config")
	}
	config.ConnectTimeout = p.connectTimeout

	conn, err := pgx.ConnectConfig(ctx, config)
	if err != nil {
		return nil, errors.Annotatef(ErrQueryFailed, "connect as %s: %s", creds, describe(err))
	}
	defer conn.Close(context.Background())

	// Simple protocol so a script with several statements runs as one round trip.
	results, err := conn.PgConn().Exec(ctx, sql).ReadAll()
	if err != nil {
		return nil, errors.Annotatef(ErrQueryFailed, "as %s: %s", creds, describe(err))
	}

	res := &Result{}
	for _, r := range results {
		for _, row := range r.Rows {
			fields := make([]string, len(row))
			for i, value := range row {
				fields[i] = string(value)
			}
			res.Rows = append(res.Rows, fields)
		}
	}
	return res, nil
}

func describe(err error) string {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code + " " + pgErr.Message
	}
	return err.Error()
}

//go:build integration

package sqlclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/pingcap/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isnastish/pgharness/pkg/log"
	"github.com/isnastish/pgharness/pkg/testsetup"
)

var pg *testsetup.Postgres

func TestMain(m *testing.M) {
	var exitCode int

	defer func() {
		if pg != nil {
			pg.Kill()
		}
		os.Exit(exitCode)
	}()

	var err error
	pg, err = testsetup.StartPostgresContainer("user", "pass", "db")
	if err != nil {
		log.Logger.Error("Failed to start Postgres container %v", err)
		exitCode = 1
		return
	}

	exitCode = m.Run()
}

func pgTarget() (Target, Credentials) {
	return Target{Host: pg.Host, Port: pg.Port}, Credentials{User: pg.User, Password: pg.Password, Database: pg.Database}
}

func TestPgxQueryRoundTrip(t *testing.T) {
	target, creds := pgTarget()
	client := NewPgx(5 * time.Second)

	_, err := client.Query(context.Background(), target, creds,
		`CREATE TABLE tbl (col1 VARCHAR(20), col2 VARCHAR(20));
		 INSERT INTO tbl VALUES ('foo1', 'bar1');
		 INSERT INTO tbl VALUES ('foo2', 'bar2');`)
	require.NoError(t, err)

	res, err := client.Query(context.Background(), target, creds, "SELECT * FROM tbl ORDER BY col1;")
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"foo1", "bar1"}, {"foo2", "bar2"}}, res.Rows)

	_, err = client.Query(context.Background(), target, creds, "DROP TABLE tbl;")
	require.NoError(t, err)
}

func TestPgxRejectsWrongPassword(t *testing.T) {
	target, creds := pgTarget()

	_, err := NewPgx(5*time.Second).Query(context.Background(), target, creds.WithPassword("wrong"), "SELECT 1;")
	require.Error(t, err)
	assert.Equal(t, ErrQueryFailed, errors.Cause(err))
	assert.Contains(t, err.Error(), "28P01")
}

func TestPgxWaitForConnection(t *testing.T) {
	target, creds := pgTarget()

	err := WaitForConnection(context.Background(), NewPgx(time.Second), target, creds, Poll{Attempts: 3, Interval: 100 * time.Millisecond})
	assert.NoError(t, err)
}

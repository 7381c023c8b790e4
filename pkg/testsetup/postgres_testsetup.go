// Package testsetup starts throwaway database containers for integration tests.
package testsetup

import (
	"context"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/pingcap/errors"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/isnastish/pgharness/pkg/log"
)

var postgresDockerImage = "postgres:16.3"

type Postgres struct {
	container *postgres.PostgresContainer

	Host     string
	Port     int
	User     string
	Password string
	Database string
}

func StartPostgresContainer(user, password, database string) (*Postgres, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	container, err := postgres.Run(ctx, postgresDockerImage,
		postgres.WithUsername(user),
		postgres.WithPassword(password),
		postgres.WithDatabase(database),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		// NOTE: Run may return a container together with an error.
		if container != nil {
			_ = testcontainers.TerminateContainer(container)
		}
		return nil, errors.Annotatef(err, "failed to start %s", postgresDockerImage)
	}

	pg := &Postgres{container: container, User: user, Password: password, Database: database}

	pg.Host, err = container.Host(ctx)
	if err != nil {
		pg.Kill()
		return nil, errors.Trace(err)
	}
	port, err := container.MappedPort(ctx, nat.Port("5432/tcp"))
	if err != nil {
		pg.Kill()
		return nil, errors.Trace(err)
	}
	pg.Port = port.Int()

	log.Logger.Info("Postgres container is listening on %s:%d", pg.Host, pg.Port)
	return pg, nil
}

func (p *Postgres) Kill() {
	log.Logger.Info("Killing postgres container")
	if err := testcontainers.TerminateContainer(p.container); err != nil {
		log.Logger.Error("Failed to kill container %v", err)
		return
	}
	log.Logger.Info("Successfully killed the container")
}

// Package testutil starts the backing services used by integration tests.
// Each container is started once per test binary and shared; tests that use
// them are skipped in -short mode.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type shared struct {
	once     sync.Once
	endpoint string
	err      error
}

// start runs the container once and caches its endpoint or the startup error.
func (s *shared) start(t *testing.T, image string, opts []testcontainers.ContainerCustomizer, format func(endpoint string) string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test; skipped in -short mode")
	}

	s.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		c, err := testcontainers.Run(ctx, image, opts...)
		if err != nil {
			s.err = err
			return
		}
		// Containers outlive the first test that asked for them; ryuk reaps
		// them when the test binary exits.
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background()) // best-effort cleanup
			s.err = err
			return
		}
		s.endpoint = format(endpoint)
	})

	if s.err != nil {
		t.Fatalf("start %s container: %v", image, s.err)
	}
	return s.endpoint
}

var pg, my, rds, mgo, rmq shared

// PostgresDSN returns a pgx/lib-pq compatible URL for a postgres:16 container.
func PostgresDSN(t *testing.T) string {
	return pg.start(t, "postgres:16", []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				wait.ForLog("ready to accept connections"),
				// Actively verify SQL connectivity using the mapped host:port
				wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
					return fmt.Sprintf("postgres://jobflow:jobflow@%s:%s/jobflow_test?sslmode=disable", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(2 * time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "jobflow",
			"POSTGRES_PASSWORD": "jobflow",
			"POSTGRES_DB":       "jobflow_test",
		}),
	}, func(endpoint string) string {
		return fmt.Sprintf("postgres://jobflow:jobflow@%s/jobflow_test?sslmode=disable", endpoint)
	})
}

// MySQLDSN returns a go-sql-driver DSN for a mysql:8 container.
func MySQLDSN(t *testing.T) string {
	return my.start(t, "mysql:8", []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("3306/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("3306/tcp"),
				wait.ForSQL("3306/tcp", "mysql", func(host string, port nat.Port) string {
					return fmt.Sprintf("jobflow:jobflow@tcp(%s:%s)/jobflow_test", host, port.Port())
				}).WithQuery("SELECT 1"),
			).WithDeadline(3 * time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"MYSQL_ROOT_PASSWORD": "root",
			"MYSQL_USER":          "jobflow",
			"MYSQL_PASSWORD":      "jobflow",
			"MYSQL_DATABASE":      "jobflow_test",
		}),
	}, func(endpoint string) string {
		return fmt.Sprintf("jobflow:jobflow@tcp(%s)/jobflow_test?clientFoundRows=true&parseTime=false", endpoint)
	})
}

// RedisAddr returns host:port of a redis container.
func RedisAddr(t *testing.T) string {
	return rds.start(t, "redis:7", []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("6379/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
	}, func(endpoint string) string { return endpoint })
}

// MongoURI returns a connection URI for a mongo:7 container.
func MongoURI(t *testing.T) string {
	return mgo.start(t, "mongo:7", []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("27017/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
	}, func(endpoint string) string { return "mongodb://" + endpoint })
}

// AMQPURL returns a broker URL for a rabbitmq:3 container.
func AMQPURL(t *testing.T) string {
	return rmq.start(t, "rabbitmq:3", []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts("5672/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5672/tcp"),
				wait.ForLog("Server startup complete"),
			).WithDeadline(2 * time.Minute),
		),
	}, func(endpoint string) string { return "amqp://guest:guest@" + endpoint + "/" })
}

// Package testutil starts throwaway backend containers for integration
// tests. Tests that need them call the Get* helpers, which skip the test
// unless SAGAFLOW_INTEGRATION=1 is set.
package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// IntegrationEnv is the environment variable enabling container tests.
const IntegrationEnv = "SAGAFLOW_INTEGRATION"

// RequireIntegration skips t unless integration tests are enabled.
func RequireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv(IntegrationEnv) != "1" {
		t.Skipf("set %s=1 to run integration tests", IntegrationEnv)
	}
}

// container starts one container per test binary. Containers are reaped by
// the testcontainers reaper when the process exits.
type container struct {
	once  sync.Once
	value string
	err   error
}

func (c *container) get(t *testing.T, start func(ctx context.Context) (string, error)) string {
	t.Helper()
	RequireIntegration(t)
	c.once.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()
		c.value, c.err = start(ctx)
	})
	if c.err != nil {
		t.Fatalf("start container: %v", c.err)
	}
	return c.value
}

var postgres, redis, mongo container

// GetPostgresDSN returns a pgx DSN for a shared PostgreSQL container.
func GetPostgresDSN(t *testing.T) string {
	return postgres.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "sagaflow",
				"POSTGRES_PASSWORD": "sagaflow",
				"POSTGRES_DB":       "sagaflow_test",
			}),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// Postgres logs readiness twice: once for the init
					// server and once for the real one.
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("postgres://sagaflow:sagaflow@%s/sagaflow_test?sslmode=disable", endpoint), nil
	})
}

// GetRedisAddress returns host:port of a shared Redis container.
func GetRedisAddress(t *testing.T) string {
	return redis.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return endpoint, nil
	})
}

// GetMongoURI returns a connection URI for a shared MongoDB container.
func GetMongoURI(t *testing.T) string {
	return mongo.get(t, func(ctx context.Context) (string, error) {
		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			return "", err
		}
		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			return "", err
		}
		return fmt.Sprintf("mongodb://%s", endpoint), nil
	})
}

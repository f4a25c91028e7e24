// Package testutil starts throwaway backing services for integration tests.
// Each service runs in one container shared by every test in the binary;
// the testcontainers reaper removes it when the binary exits.
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

const startTimeout = 3 * time.Minute

// service describes one shared container and how to address it.
type service struct {
	name  string
	image string
	port  string
	env   map[string]string
	wait  wait.Strategy

	// address turns the mapped host:port into what tests connect with.
	address func(endpoint string) string

	once sync.Once
	addr string
	err  error
}

const (
	pgUser = "fluxhist"
	pgDB   = "fluxhist_test"
)

func postgresURL(hostPort string) string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", pgUser, pgUser, hostPort, pgDB)
}

var (
	postgres = &service{
		name:  "postgres",
		image: "postgres:16",
		port:  "5432/tcp",
		env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgUser,
			"POSTGRES_DB":       pgDB,
		},
		wait: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("ready to accept connections"),
			wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return postgresURL(host + ":" + port.Port())
			}).WithQuery("SELECT 1"),
		).WithDeadline(2 * time.Minute),
		address: postgresURL,
	}

	redisServer = &service{
		name:  "redis",
		image: "redis:7",
		port:  "6379/tcp",
		wait: wait.ForAll(
			wait.ForListeningPort("6379/tcp"),
			wait.ForLog("Ready to accept connections"),
		),
		address: func(endpoint string) string { return endpoint },
	}

	mongoServer = &service{
		name:  "mongo",
		image: "mongo:7",
		port:  "27017/tcp",
		wait: wait.ForAll(
			wait.ForListeningPort("27017/tcp"),
			wait.ForLog("mongod startup complete"),
		),
		address: func(endpoint string) string { return "mongodb://" + endpoint },
	}
)

// GetPostgresDSN returns a DSN for a shared throwaway PostgreSQL database.
func GetPostgresDSN(t *testing.T) string { return postgres.get(t) }

// GetRedisAddress returns host:port of a shared throwaway Redis server.
func GetRedisAddress(t *testing.T) string { return redisServer.get(t) }

// GetMongoURI returns the connection URI of a shared throwaway MongoDB.
func GetMongoURI(t *testing.T) string { return mongoServer.get(t) }

// get starts the container on first use and skips t if it cannot run.
func (s *service) get(t *testing.T) string {
	t.Helper()
	RequireDocker(t)

	s.once.Do(s.start)
	if s.err != nil {
		t.Skipf("%s container unavailable: %v", s.name, s.err)
	}
	return s.addr
}

func (s *service) start() {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()

	opts := []testcontainers.ContainerCustomizer{
		testcontainers.WithExposedPorts(s.port),
		testcontainers.WithWaitStrategy(s.wait),
	}
	if len(s.env) > 0 {
		opts = append(opts, testcontainers.WithEnv(s.env))
	}

	c, err := testcontainers.Run(ctx, s.image, opts...)
	if err != nil {
		s.err = err
		return
	}
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background())
		s.err = err
		return
	}
	s.addr = s.address(endpoint)
}

// RequireDocker skips the test when running with -short or when no
// container provider is reachable.
func RequireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

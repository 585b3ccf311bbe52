package testutil

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	containerOnce sync.Once
	containerURL  string
	containerErr  error
)

// DatabaseURL returns DATABASE_URL, or starts a throwaway Postgres container when
// VAULTAPI_TESTCONTAINERS=1. Skips the test when neither is available.
// The container lives until the test binary exits.
func DatabaseURL(t testing.TB) string {
	t.Helper()

	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	if os.Getenv("VAULTAPI_TESTCONTAINERS") != "1" {
		t.Skip("DATABASE_URL not set and VAULTAPI_TESTCONTAINERS != 1")
	}

	containerOnce.Do(func() {
		containerURL, containerErr = startPostgres(context.Background())
	})
	if containerErr != nil {
		t.Fatalf("start postgres container: %v", containerErr)
	}
	return containerURL
}

func startPostgres(ctx context.Context) (string, error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:15-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "vault",
			"POSTGRES_PASSWORD": "vault",
			"POSTGRES_DB":       "vault_test",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", err
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", err
	}

	return fmt.Sprintf("postgres://vault:vault@%s:%s/vault_test?sslmode=disable", host, port.Port()), nil
}

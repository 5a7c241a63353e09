package natsbus

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestServer is a NATS server running in a container for integration tests
type TestServer struct {
	URL       string
	container testcontainers.Container
}

// StartTestServer starts a disposable NATS server with JetStream enabled.
// Tests calling it are skipped unless INTEGRATION_TESTS=1 is set.
func StartTestServer(t *testing.T) *TestServer {
	t.Helper()

	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats:2.10-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"--jetstream"},
		WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start NATS container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "4222")
	if err != nil {
		_ = container.Terminate(ctx)
		t.Fatalf("failed to get mapped port: %v", err)
	}

	ts := &TestServer{
		URL:       fmt.Sprintf("nats://%s:%s", host, port.Port()),
		container: container,
	}

	t.Cleanup(func() {
		_ = ts.container.Terminate(context.Background())
	})

	return ts
}

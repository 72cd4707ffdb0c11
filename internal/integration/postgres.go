package integration

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Test PostgreSQL container settings. The port is non-standard to stay
// clear of a locally running postgres.
const (
	postgresContainerName = "gitgenie-test-postgres"
	postgresPort          = "5433"
	postgresUser          = "gitgenie"
	postgresPassword      = "gitgenie"
	postgresDB            = "gitgenie_test"
	postgresImage         = "postgres:16-alpine"
)

// PostgresEnabled reports whether the suite should run against a real
// PostgreSQL container instead of SQLite. Opt in with TEST_POSTGRES=1.
func PostgresEnabled() bool {
	return os.Getenv("TEST_POSTGRES") == "1"
}

// PostgresDSN returns the DSN for the test container.
func PostgresDSN() string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%s/%s?sslmode=disable",
		postgresUser, postgresPassword, postgresPort, postgresDB)
}

// StartPostgres runs a fresh PostgreSQL container via the docker CLI and
// waits for it to accept connections. The returned cleanup removes the
// container on success and leaves it up for inspection on failure.
func StartPostgres() (cleanup func(success bool), err error) {
	// A leftover container from an aborted run would carry stale data.
	_ = dockerRemove()

	if err := dockerRun(); err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	if err := waitForPostgres(30 * time.Second); err != nil {
		return nil, fmt.Errorf("postgres failed to become ready: %w", err)
	}

	cleanup = func(success bool) {
		if success {
			if err := dockerRemove(); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: failed to remove postgres container: %v\n", err)
			}
			return
		}
		line := strings.Repeat("=", 60)
		fmt.Fprintf(os.Stderr, "\n%s\n", line)
		fmt.Fprintf(os.Stderr, "TEST FAILED - PostgreSQL container kept for debugging\n")
		fmt.Fprintf(os.Stderr, "Container: %s\n", postgresContainerName)
		fmt.Fprintf(os.Stderr, "Connect:   psql %s\n", PostgresDSN())
		fmt.Fprintf(os.Stderr, "Remove:    docker rm -f %s\n", postgresContainerName)
		fmt.Fprintf(os.Stderr, "%s\n\n", line)
	}
	return cleanup, nil
}

func dockerRun() error {
	cmd := exec.Command("docker", "run",
		"-d",
		"--name", postgresContainerName,
		"-p", postgresPort+":5432",
		"-e", "POSTGRES_USER="+postgresUser,
		"-e", "POSTGRES_PASSWORD="+postgresPassword,
		"-e", "POSTGRES_DB="+postgresDB,
		postgresImage,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %s", err, stderr.String())
	}
	return nil
}

func dockerRemove() error {
	return exec.Command("docker", "rm", "-f", postgresContainerName).Run()
}

// waitForPostgres polls until the server answers both pg_isready inside
// the container and a TCP dial through the published port. The port
// mapping can lag pg_isready briefly, hence the second check.
func waitForPostgres(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if conn, err := net.DialTimeout("tcp", "localhost:"+postgresPort, time.Second); err == nil {
			conn.Close()

			ready := exec.Command("docker", "exec", postgresContainerName,
				"pg_isready", "-U", postgresUser, "-d", postgresDB)
			if ready.Run() == nil {
				time.Sleep(500 * time.Millisecond)
				if conn, err := net.DialTimeout("tcp", "localhost:"+postgresPort, time.Second); err == nil {
					conn.Close()
					return nil
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}

	return fmt.Errorf("timeout waiting for postgres on port %s", postgresPort)
}

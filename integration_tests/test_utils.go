//go:build integration
// +build integration

package integration_tests

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/conneroisu/stencil/internal/server"
)

// TestServerConfig contains configuration for test server setup
type TestServerConfig struct {
	ReadinessTimeout    time.Duration
	HealthCheckInterval time.Duration
}

// DefaultTestConfig returns a default test configuration
func DefaultTestConfig() *TestServerConfig {
	return &TestServerConfig{
		ReadinessTimeout:    10 * time.Second,
		HealthCheckInterval: 50 * time.Millisecond,
	}
}

// WaitForServerReadiness polls the health endpoint until it reports healthy
func WaitForServerReadiness(ctx context.Context, baseURL string, config *TestServerConfig) error {
	if config == nil {
		config = DefaultTestConfig()
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, config.ReadinessTimeout)
	defer cancel()

	ticker := time.NewTicker(config.HealthCheckInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("server readiness timeout after %v: %w", config.ReadinessTimeout, lastErr)
		case <-ticker.C:
			healthy, err := checkServerHealth(baseURL)
			if err != nil {
				lastErr = err
				continue
			}
			if healthy {
				return nil
			}
		}
	}
}

func checkServerHealth(baseURL string) (bool, error) {
	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(baseURL + server.HealthPath)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	var health server.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return false, fmt.Errorf("failed to decode health response: %w", err)
	}
	return health.Status == "healthy", nil
}

// FindAvailablePort finds an available port on the system
func FindAvailablePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// TestTimeout returns appropriate test timeout based on testing mode
func TestTimeout() time.Duration {
	if testing.Short() {
		return 5 * time.Second
	}
	return 30 * time.Second
}

// WaitForWatcherStartup gives the file watcher time to register its roots
func WaitForWatcherStartup() {
	time.Sleep(300 * time.Millisecond)
}

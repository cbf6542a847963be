// Package firestoretest gives integration tests a Firestore emulator.
package firestoretest

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	pconfig "github.com/hanko-field/returns/internal/platform/config"
)

const emulatorImage = "gcr.io/google.com/cloudsdktool/cloud-sdk:emulators"

// StartEmulator returns a config for a running emulator. An emulator already named by
// FIRESTORE_EMULATOR_HOST is reused; otherwise one is started in docker and stopped on cleanup.
// Without either the test is skipped.
func StartEmulator(t *testing.T, projectID string) pconfig.FirestoreConfig {
	t.Helper()
	if host := strings.TrimSpace(os.Getenv("FIRESTORE_EMULATOR_HOST")); host != "" {
		waitForEndpoint(t, host, 5*time.Second)
		return pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: host}
	}

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not available: " + err.Error())
	}
	if _, err := docker(5*time.Second, "info", "--format", "{{.ServerVersion}}"); err != nil {
		t.Skip("docker daemon unavailable: " + err.Error())
	}

	id, err := docker(time.Minute, "run", "-d", "--rm", "-p", "127.0.0.1::8080", emulatorImage,
		"gcloud", "beta", "emulators", "firestore", "start", "--host-port=0.0.0.0:8080", "--quiet")
	if err != nil {
		t.Fatalf("start firestore emulator: %v", err)
	}
	t.Cleanup(func() { _, _ = docker(10*time.Second, "stop", id) })

	// docker picked the host port; "docker port" prints one mapping per line.
	mapping, err := docker(10*time.Second, "port", id, "8080/tcp")
	if err != nil {
		t.Fatalf("inspect emulator port: %v", err)
	}
	endpoint, _, _ := strings.Cut(mapping, "\n")
	waitForEndpoint(t, endpoint, 30*time.Second)
	return pconfig.FirestoreConfig{ProjectID: projectID, EmulatorHost: endpoint}
}

func docker(timeout time.Duration, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func waitForEndpoint(t *testing.T, endpoint string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", endpoint, 500*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("emulator at %s did not become ready: %v", endpoint, err)
		}
		time.Sleep(250 * time.Millisecond)
	}
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/attendsync"
)

func writeConfig(t *testing.T, port string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "attendsync.yaml")
	body := fmt.Sprintf("server:\n  origin: https://school.test\n  port: %s\nstorage:\n  dir: %s\n", port, t.TempDir())
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func resetFlags(t *testing.T) {
	t.Helper()
	configPath = ""
	messageTimeout = 5 * time.Second
	t.Cleanup(func() { configPath = "" })
}

func TestLoadConfigFromEnv(t *testing.T) {
	resetFlags(t)
	t.Setenv("ATTENDSYNC_CONFIG", writeConfig(t, "9090"))
	t.Setenv("ATTENDSYNC_DEBUG", "verbose")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, attendsync.DebugVerbose, cfg.DebugLevel())
}

func TestLoadConfigFlagWins(t *testing.T) {
	resetFlags(t)
	t.Setenv("ATTENDSYNC_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	configPath = writeConfig(t, "7070")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoadConfigBadDebug(t *testing.T) {
	resetFlags(t)
	configPath = writeConfig(t, "7070")
	t.Setenv("ATTENDSYNC_DEBUG", "loud")

	_, err := loadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ATTENDSYNC_DEBUG")
}

func TestLoadEnv(t *testing.T) {
	require.NoError(t, loadEnv(filepath.Join(t.TempDir(), "absent.env")))
	require.NoError(t, loadEnv(""))

	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("ATTENDSYNC_TEST_VALUE=from-file\n"), 0o644))
	t.Setenv("ATTENDSYNC_TEST_VALUE", "")
	require.NoError(t, os.Unsetenv("ATTENDSYNC_TEST_VALUE"))
	require.NoError(t, loadEnv(p))
	assert.Equal(t, "from-file", os.Getenv("ATTENDSYNC_TEST_VALUE"))
}

func TestSendMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/__sw/message", r.URL.Path)
		var msg attendsync.Message
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&msg)) {
			return
		}
		assert.Equal(t, attendsync.MsgCheckPending, msg.Type)
		n := 4
		_ = json.NewEncoder(w).Encode(attendsync.Message{Type: attendsync.MsgPendingSyncCount, Count: &n})
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	resetFlags(t)
	configPath = writeConfig(t, u.Port())

	reply, err := sendMessage(context.Background(), attendsync.Message{Type: attendsync.MsgCheckPending})
	require.NoError(t, err)
	assert.Equal(t, attendsync.MsgPendingSyncCount, reply.Type)
	require.NotNil(t, reply.Count)
	assert.Equal(t, 4, *reply.Count)
}

func TestSendMessageReportsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unknown message type"}`, http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	resetFlags(t)
	configPath = writeConfig(t, u.Port())

	_, err = sendMessage(context.Background(), attendsync.Message{Type: "NOPE"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 400")
}

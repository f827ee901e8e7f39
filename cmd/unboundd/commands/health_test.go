package commands

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/unbound-app/daemon/internal/config"
)

func withFakeHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	old := os.Getenv("HOME")
	require.NoError(t, os.Setenv("HOME", home))
	t.Cleanup(func() { _ = os.Setenv("HOME", old) })
	return home
}

func TestRunHealth_PrintsResultFromDaemon(t *testing.T) {
	withFakeHome(t)
	socketPath := config.SocketPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(socketPath), 0755))

	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		line, err := bufio.NewReader(conn).ReadBytes('\n')
		if err != nil {
			return
		}
		var req struct {
			ID     string `json:"id"`
			Method string `json:"method"`
		}
		if err := json.Unmarshal(line, &req); err != nil {
			return
		}

		resp := struct {
			ID     string          `json:"id"`
			Result json.RawMessage `json:"result"`
		}{ID: req.ID, Result: json.RawMessage(`{"status":"ok"}`)}
		data, _ := json.Marshal(resp)
		_, _ = conn.Write(append(data, '\n'))
	}()

	err = runHealth(healthCmd, nil)
	require.NoError(t, err)
}

func TestRunHealth_DaemonErrorIsSurfaced(t *testing.T) {
	withFakeHome(t)
	socketPath := config.SocketPath()
	require.NoError(t, os.MkdirAll(filepath.Dir(socketPath), 0755))

	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if _, err := bufio.NewReader(conn).ReadBytes('\n'); err != nil {
			return
		}

		resp := struct {
			ID    string `json:"id"`
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}{}
		resp.Error.Message = "daemon is shutting down"
		data, _ := json.Marshal(resp)
		_, _ = conn.Write(append(data, '\n'))
	}()

	err = runHealth(healthCmd, nil)
	require.Error(t, err)
}

func TestRunHealth_NoDaemonListeningReturnsDialError(t *testing.T) {
	withFakeHome(t)

	err := runHealth(healthCmd, nil)
	require.Error(t, err)
}

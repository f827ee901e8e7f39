package commands

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/unbound-app/daemon/internal/config"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query a running daemon's health over its local socket",
	Long: `Connects to a running unboundd instance over the C1 Unix socket
and issues a health request, printing the daemon's reported status,
active session count, and relay circuit-breaker state.`,
	RunE: runHealth,
}

func runHealth(cmd *cobra.Command, args []string) error {
	conn, err := net.DialTimeout("unix", config.SocketPath(), 2*time.Second)
	if err != nil {
		return fmt.Errorf("could not reach daemon at %s: %w", config.SocketPath(), err)
	}
	defer conn.Close()

	req := struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}{ID: uuid.NewString(), Method: "health"}

	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return err
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("no response from daemon: %w", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("daemon returned an error: %s", resp.Error.Message)
	}

	fmt.Println(string(resp.Result))
	return nil
}

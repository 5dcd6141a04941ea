// Package ipc exposes a root-only Unix domain socket for querying and
// poking the running daemon from the command line.
package ipc

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"netfence/internal/config"
)

// Handlers connects socket commands to the rest of the daemon. Status must
// return a human-readable multi-line report; Reload re-reads the
// administrative store; SweepCerts prunes stale domain certificates.
type Handlers struct {
	Status     func() string
	Reload     func() error
	SweepCerts func() int
}

// SetupCommunication creates the Unix domain socket and serves commands in
// the background. The socket is owner-only: commands come from root shells.
func SetupCommunication(h Handlers) error {
	os.Remove(config.SocketPath)

	listener, err := net.Listen("unix", config.SocketPath)
	if err != nil {
		return fmt.Errorf("creating control socket: %w", err)
	}

	if err := os.Chmod(config.SocketPath, 0600); err != nil {
		slog.Warn("Could not restrict socket permissions", "error", err)
	}

	go handleConnections(listener, h)
	return nil
}

func handleConnections(listener net.Listener, h Handlers) {
	defer listener.Close()

	for {
		conn, err := listener.Accept()
		if err != nil {
			slog.Warn("Socket accept error", "error", err)
			continue
		}
		go handleConnection(conn, h)
	}
}

func handleConnection(conn net.Conn, h Handlers) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		action, _, _ := strings.Cut(line, ":")
		action = strings.TrimSpace(action)
		slog.Debug("Socket command received", "action", action)

		switch action {
		case "status":
			conn.Write([]byte(h.Status()))
			conn.Write([]byte("END\n"))
		case "reload":
			if err := h.Reload(); err != nil {
				fmt.Fprintf(conn, "ERROR: reload failed: %v\n", err)
				continue
			}
			conn.Write([]byte("OK: Store reloaded\n"))
		case "sweep-certs":
			removed := h.SweepCerts()
			fmt.Fprintf(conn, "OK: Removed %d stale certificates\n", removed)
		default:
			conn.Write([]byte("ERROR: Unknown action\n"))
		}
	}
}

// SendSocketMessage sends one command to the daemon socket and returns the
// response. Used by the CLI entry points.
func SendSocketMessage(action, payload string) (string, error) {
	conn, err := net.Dial("unix", config.SocketPath)
	if err != nil {
		return "", fmt.Errorf("connecting to daemon socket: %w", err)
	}
	defer conn.Close()

	message := action
	if payload != "" {
		message += ":" + payload
	}
	message += "\n"

	if _, err := conn.Write([]byte(message)); err != nil {
		return "", fmt.Errorf("sending command: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	var response strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		if line == "END" {
			break
		}
		response.WriteString(line)
		response.WriteString("\n")
		if strings.HasPrefix(line, "OK:") || strings.HasPrefix(line, "ERROR:") {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return response.String(), nil
}

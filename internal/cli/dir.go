package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bottomfeed/verifyd/internal/model"
	"github.com/bottomfeed/verifyd/internal/uds"
)

// findVerifydDir locates the .verifyd data directory: the --dir flag
// if set, otherwise the nearest .verifyd/ in the working directory or
// any of its ancestors.
func findVerifydDir() (string, error) {
	if dataDirFlag != "" {
		abs, err := filepath.Abs(dataDirFlag)
		if err != nil {
			return "", fmt.Errorf("resolve --dir: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil || !info.IsDir() {
			return "", fmt.Errorf("%s is not a directory", abs)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}

	dir := cwd
	for {
		candidate := filepath.Join(dir, ".verifyd")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", fmt.Errorf("no .verifyd directory found in %s or any parent (run 'verifyd init' first)", cwd)
}

func loadConfig(verifydDir string) (model.Config, error) {
	return model.LoadConfig(filepath.Join(verifydDir, "config.yaml"))
}

// sendDaemonCommand sends a command over the daemon's control socket
// and surfaces daemon-side errors as plain errors.
func sendDaemonCommand(verifydDir, command string, params any) (*uds.Response, error) {
	client := uds.NewClient(filepath.Join(verifydDir, uds.DefaultSocketName))
	resp, err := client.SendCommand(command, params)
	if err != nil {
		return nil, fmt.Errorf("contact daemon: %w (is 'verifyd daemon' running?)", err)
	}
	if !resp.Success {
		if resp.Error != nil {
			return nil, fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
		}
		return nil, fmt.Errorf("daemon rejected %s", command)
	}
	return resp, nil
}

// printData pretty-prints a daemon response payload.
func printData(w io.Writer, data json.RawMessage) error {
	if len(data) == 0 {
		_, err := fmt.Fprintln(w, "{}")
		return err
	}
	var buf any
	if err := json.Unmarshal(data, &buf); err != nil {
		return fmt.Errorf("parse daemon response: %w", err)
	}
	out, err := json.MarshalIndent(buf, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(out))
	return err
}

package common

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// WriteLivenessMarker record the current process ID in the marker file at path.
//
// Collaborators use the marker to detect whether the broadcast server is running.
func WriteLivenessMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("unable to prepare liveness marker directory: %w", err)
	}
	pid := strconv.Itoa(os.Getpid())
	tmpFile := fmt.Sprintf("%s.%s.tmp", path, pid)
	if err := os.WriteFile(tmpFile, []byte(pid+"\n"), 0o644); err != nil {
		return fmt.Errorf("unable to write liveness marker: %w", err)
	}
	if err := os.Rename(tmpFile, path); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("unable to install liveness marker: %w", err)
	}
	return nil
}

// RemoveLivenessMarker delete the marker file at path, if it was written by this process
func RemoveLivenessMarker(path string) error {
	pid, err := readLivenessMarker(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return fmt.Errorf("liveness marker %s owned by process %d", path, pid)
	}
	return os.Remove(path)
}

// CheckLivenessMarker report whether the process recorded in the marker file is alive.
//
// A missing marker is not an error; it means the broadcast server is not running.
func CheckLivenessMarker(path string) (bool, int, error) {
	pid, err := readLivenessMarker(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, 0, nil
		}
		return false, 0, err
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, pid, nil
	}
	// Signal 0 performs the existence and permission checks without delivering anything
	err = proc.Signal(syscall.Signal(0))
	if err == nil || errors.Is(err, syscall.EPERM) {
		return true, pid, nil
	}
	return false, pid, nil
}

func readLivenessMarker(path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(content)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("liveness marker %s is malformed", path)
	}
	return pid, nil
}

package util

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by CreateMutex when a live process holds the lock
var ErrAlreadyRunning = errors.New("another instance of rtprecv is running")

// EnsureDirExists creates the given directory path if it doesn't already exist
func EnsureDirExists(path string) error {
	if err := os.MkdirAll(path, os.ModePerm); err != nil {
		return fmt.Errorf("ensure directory exists (%s): %w", path, err)
	}

	return nil
}

// FileExists checks if a file exists and is not a directory before we
// try using it to prevent further errors.
func FileExists(filename string) bool {
	info, err := os.Stat(filename)
	if os.IsNotExist(err) {
		return false
	}

	return err == nil && !info.IsDir()
}

// SetupCloseHandler creates a 'listener' on a new goroutine which will notify the
// program if it receives an interrupt from the OS
func SetupCloseHandler() chan os.Signal {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	return c
}

// CreateMutex writes our pid into name.lock, failing if the pid already in
// there belongs to a live process
func CreateMutex(name string) error {
	lockFile := name + ".lock"
	currentPid := os.Getpid()

	lockContent, err := os.ReadFile(lockFile)
	if err == nil {
		content := strings.TrimSpace(string(lockContent))
		if content != "" && content != strconv.Itoa(currentPid) {
			lockProcessID, _ := strconv.Atoi(content)
			if lockProcessID > 0 {
				process, err := os.FindProcess(lockProcessID)
				if err == nil && process.Signal(syscall.Signal(0)) == nil {
					return ErrAlreadyRunning
				}
			}
		}
	}

	if err := os.WriteFile(lockFile, []byte(strconv.Itoa(currentPid)), 0o664); err != nil {
		return fmt.Errorf("write lock file: %w", err)
	}

	return nil
}

// ReleaseMutex removes the lock file written by CreateMutex
func ReleaseMutex(name string) error {
	if err := os.Remove(name + ".lock"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}

	return nil
}

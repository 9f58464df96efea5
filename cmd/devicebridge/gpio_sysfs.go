package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// SysfsDriver drives pins through the legacy /sys/class/gpio interface.
type SysfsDriver struct {
	root string
}

func NewSysfsDriver(root string) *SysfsDriver {
	if root == "" {
		root = defaultGPIORoot
	}
	return &SysfsDriver{root: root}
}

func (d *SysfsDriver) pinDir(pin int) string {
	return filepath.Join(d.root, "gpio"+strconv.Itoa(pin))
}

func (d *SysfsDriver) valuePath(pin int) string {
	return filepath.Join(d.pinDir(pin), "value")
}

// Setup exports the pin and sets its direction. Outputs start low; inputs are
// armed for edge notification on both edges where the kernel allows it.
func (d *SysfsDriver) Setup(pin int, output bool) error {
	if _, err := os.Stat(d.pinDir(pin)); errors.Is(err, os.ErrNotExist) {
		if err := writeSysfs(filepath.Join(d.root, "export"), strconv.Itoa(pin)); err != nil {
			return fmt.Errorf("export: %w", err)
		}
		// udev may need a moment to fix permissions on the new directory.
		if err := waitForPath(filepath.Join(d.pinDir(pin), "direction"), time.Second); err != nil {
			return err
		}
	}

	direction := "in"
	if output {
		direction = "low"
	}
	if err := writeSysfs(filepath.Join(d.pinDir(pin), "direction"), direction); err != nil {
		return fmt.Errorf("direction: %w", err)
	}

	if !output {
		_ = writeSysfs(filepath.Join(d.pinDir(pin), "edge"), "both")
	}
	return nil
}

func (d *SysfsDriver) Read(pin int) (bool, error) {
	b, err := os.ReadFile(d.valuePath(pin))
	if err != nil {
		return false, err
	}
	return parseLevel(b)
}

func (d *SysfsDriver) Write(pin int, high bool) error {
	v := "0"
	if high {
		v = "1"
	}
	return writeSysfs(d.valuePath(pin), v)
}

func parseLevel(b []byte) (bool, error) {
	switch strings.TrimSpace(string(b)) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	default:
		return false, fmt.Errorf("unexpected gpio value %q", strings.TrimSpace(string(b)))
	}
}

func writeSysfs(path, value string) error {
	return os.WriteFile(path, []byte(value), 0o644)
}

func waitForPath(path string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for %s", path)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

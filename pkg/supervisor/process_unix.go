// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

//go:build !windows

package supervisor

import (
	"syscall"

	lerrors "github.com/stacklok/netbox-mcp-launcher/pkg/errors"
	"github.com/stacklok/netbox-mcp-launcher/pkg/logger"
)

// newProcessGroupAttr puts the child in a new process group led by itself.
func newProcessGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to every process in the group led by pid.
func signalGroup(pid int, sig syscall.Signal) error {
	return syscall.Kill(-pid, sig)
}

// Exec replaces the launcher with argv. It only returns on failure.
func Exec(argv, env []string) error {
	if len(argv) == 0 {
		return lerrors.NewLaunchError("no command to run", nil, lerrors.ExitCannotExec)
	}
	path, err := lookPath(argv[0])
	if err != nil {
		return err
	}
	logger.Infow("Replacing launcher with proxy", "path", path)
	// #nosec G204 - the command line is composed by the launcher from its own configuration
	if err := syscall.Exec(path, argv, env); err != nil {
		return lerrors.NewLaunchError("failed to exec proxy", err, lerrors.ExitCannotExec)
	}
	return nil
}

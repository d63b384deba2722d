// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package nvc

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NVIDIA/container-gpu-inject/pkg/sylog"
)

// authorizeDevice appends "c <major>:<minor> rw" to
// {dev_cg}/devices.allow, granting the container's devices cgroup
// permission to open the device node. This is deliberately the narrow
// cgroup v1 surface a GPU injection engine needs, not apptainer's own
// internal/pkg/cgroups.Manager (which drives the full OCI LinuxResources
// apply/update lifecycle for v1 and v2 alike) — see DESIGN.md for why the
// heavier manager doesn't fit here.
func authorizeDevice(cnt *Container, id uint64) error {
	path := filepath.Join(cnt.DevCg, "devices.allow")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return errCgroup(path, err)
	}
	defer f.Close()

	sylog.Infof("whitelisting device node %d:%d", Major(id), Minor(id))
	line := fmt.Sprintf("c %d:%d rw\n", Major(id), Minor(id))
	if _, err := f.WriteString(line); err != nil {
		return errCgroup(path, err)
	}
	// Explicit Sync: the write must be observably committed before
	// authorizeDevice reports success.
	if err := f.Sync(); err != nil {
		return errCgroup(path, err)
	}
	return nil
}

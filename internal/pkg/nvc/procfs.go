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
	"os"
	"path/filepath"
)

// procDriverNvidia is the host procfs subtree the engine replaces inside
// the container with a synthesized tmpfs view.
const procDriverNvidia = "/proc/driver/nvidia"

// procfsFiles are the files mirrored into the synthesized tmpfs, in the
// order they must be applied.
var procfsFiles = []string{"params", "version", "registry"}

// mountProcfs builds the container-local replacement for
// /proc/driver/nvidia: an empty tmpfs containing patched copies of the
// host's params/version/registry files.
func mountProcfs(sc Syscalls, cnt *Container) (string, error) {
	dst, err := resolve(cnt.Rootfs, procDriverNvidia)
	if err != nil {
		return "", err
	}
	if err := ensureDir(dst, cnt.UID, cnt.GID, 0o555); err != nil {
		return "", err
	}
	if err := mountTmpfsRaw(sc, dst); err != nil {
		return "", err
	}

	for _, name := range procfsFiles {
		hostPath := filepath.Join(procDriverNvidia, name)
		buf, mode, err := readHostFile(hostPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			unmountBestEffort(sc, dst)
			return "", errFS(hostPath, err)
		}
		if name == "params" {
			buf = patchModifyDeviceFiles(buf)
		}
		target := filepath.Join(dst, name)
		if err := ensureRegular(target, buf, cnt.UID, cnt.GID, mode); err != nil {
			unmountBestEffort(sc, dst)
			return "", err
		}
	}

	if err := remountClass(sc, dst, classProcfsTmpfs); err != nil {
		unmountBestEffort(sc, dst)
		return "", err
	}
	return dst, nil
}

// mountProcfsGPU bind-mounts the host's per-GPU procfs directory for busid
// onto the same relative path under the container's synthesized tmpfs.
// The driver's procfs uses the 16-bit PCI domain form, so the 32-bit-domain
// busid's first four characters (the extra two domain bytes) are dropped.
func mountProcfsGPU(sc Syscalls, cnt *Container, busid string) (string, error) {
	if len(busid) <= 4 {
		return "", errInvalidArg("busid too short: " + busid)
	}
	suffix := busid[4:]
	hostPath := filepath.Join(procDriverNvidia, "gpus", suffix)

	fi, err := sc.Stat(hostPath)
	if err != nil {
		return "", errFS(hostPath, err)
	}

	dst, err := resolve(cnt.Rootfs, filepath.Join(procDriverNvidia, "gpus", suffix))
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		err = ensureDir(dst, cnt.UID, cnt.GID, fi.Mode())
	} else {
		err = ensureFile(dst, cnt.UID, cnt.GID, fi.Mode())
	}
	if err != nil {
		return "", err
	}
	if err := bindMount(sc, hostPath, dst, classGPUProcfs); err != nil {
		unmountBestEffort(sc, dst)
		return "", err
	}
	return dst, nil
}

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
	"strconv"
	"strings"
)

// appProfileDir is where the engine's own application-profile fragment
// lives inside the container, rooted on a tmpfs so only the engine's
// 10-container.conf (and nothing the image shipped) is visible there.
const appProfileDir = "/usr/share/nvidia/nvidia-application-profiles-rc.d"

const appProfileFile = "10-container.conf"

// mountAppProfile mounts an empty, mode-0555 tmpfs at appProfileDir. No
// 10-container.conf exists until the first GPU is admitted via
// patchAppProfile.
func mountAppProfile(sc Syscalls, cnt *Container) (string, error) {
	dst, err := resolve(cnt.Rootfs, appProfileDir)
	if err != nil {
		return "", err
	}
	if err := ensureDir(dst, cnt.UID, cnt.GID, 0o555); err != nil {
		return "", err
	}
	if err := mountTmpfs(sc, dst, classAppProfileTmpfs); err != nil {
		return "", err
	}
	return dst, nil
}

// appProfileTemplate is the engine-owned format: a "_container_" profile
// gating EGLVisibleDGPUDevices by a 64-bit mask of admitted minor numbers,
// applied unconditionally via an empty-pattern rule.
const appProfileTemplate = `{"profiles":[{"name":"_container_","settings":["EGLVisibleDGPUDevices", 0x%x]}],
 "rules":[{"pattern":[],"profile":"_container_"}]}`

// patchAppProfile implements the update semantics for admitting GPU minor
// m: absent file -> mask 1<<m; present file -> OR 1<<m into whatever mask
// follows the first "0x" in the file; a present file with no parseable
// "0x" is InvalidState.
func patchAppProfile(cnt *Container, minor uint32) error {
	path, err := resolve(cnt.Rootfs, filepath.Join(appProfileDir, appProfileFile))
	if err != nil {
		return err
	}

	bit := uint64(1) << minor

	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return errFS(path, err)
		}
		return ensureRegular(path, []byte(fmt.Sprintf(appProfileTemplate, bit)), cnt.UID, cnt.GID, 0o555)
	}

	idx := strings.Index(string(buf), "0x")
	if idx < 0 {
		return errInvalidState(path, "missing 0x mask")
	}
	rest := string(buf)[idx+2:]
	end := 0
	for end < len(rest) && isHexDigit(rest[end]) {
		end++
	}
	if end == 0 {
		return errInvalidState(path, "invalid 0x mask")
	}
	mask, err := strconv.ParseUint(rest[:end], 16, 64)
	if err != nil {
		return errInvalidState(path, "invalid 0x mask")
	}

	return ensureRegular(path, []byte(fmt.Sprintf(appProfileTemplate, mask|bit)), cnt.UID, cnt.GID, 0o555)
}

func isHexDigit(b byte) bool {
	return (b >= '0' && b <= '9') || (b >= 'a' && b <= 'f') || (b >= 'A' && b <= 'F')
}

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
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// ensureDir implements mkdir -p semantics: if path already exists as a
// directory, its mode/owner are left untouched.
func ensureDir(path string, uid, gid int, mode os.FileMode) error {
	if fi, err := os.Lstat(path); err == nil {
		if !fi.IsDir() {
			return errFS(path, fmt.Errorf("exists and is not a directory"))
		}
		return nil
	}

	if err := ensureParentDirs(path, uid, gid); err != nil {
		return err
	}
	if err := os.Mkdir(path, mode); err != nil {
		if os.IsExist(err) {
			return nil
		}
		return errFS(path, err)
	}
	if err := os.Chown(path, uid, gid); err != nil {
		return errFS(path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return errFS(path, err)
	}
	return nil
}

// ensureParentDirs creates path's parent directory tree as 0755 dirs owned
// by uid/gid before placing a bind-mount target there. Unlike os.MkdirAll,
// it chowns every level it creates, not just the deepest one.
func ensureParentDirs(path string, uid, gid int) error {
	dir := filepath.Dir(path)

	var missing []string
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(d); err == nil {
			break
		}
		missing = append(missing, d)
		if d == filepath.Dir(d) {
			break
		}
	}
	for i := len(missing) - 1; i >= 0; i-- {
		d := missing[i]
		if err := os.Mkdir(d, 0o755); err != nil && !os.IsExist(err) {
			return errFS(d, err)
		}
		if err := os.Chown(d, uid, gid); err != nil {
			return errFS(d, err)
		}
	}
	return nil
}

// ensureFile creates an empty regular file at path, for use as a
// bind-mount target. An existing non-regular occupant is an error.
func ensureFile(path string, uid, gid int, mode os.FileMode) error {
	if err := ensureParentDirs(path, uid, gid); err != nil {
		return err
	}
	if fi, err := os.Lstat(path); err == nil {
		if !fi.Mode().IsRegular() {
			return errFS(path, fmt.Errorf("exists and is not a regular file"))
		}
		if err := os.Chmod(path, mode); err != nil {
			return errFS(path, err)
		}
		return nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return errFS(path, err)
	}
	f.Close()
	if err := os.Chown(path, uid, gid); err != nil {
		return errFS(path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		return errFS(path, err)
	}
	return nil
}

// ensureRegular atomically writes content to path (write temp + rename)
// with the given mode and owner.
func ensureRegular(path string, content []byte, uid, gid int, mode os.FileMode) error {
	if err := ensureParentDirs(path, uid, gid); err != nil {
		return err
	}

	tmp := path + ".nvc-tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return errFS(path, err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(tmp)
		return errFS(path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errFS(path, err)
	}
	if err := os.Chown(tmp, uid, gid); err != nil {
		os.Remove(tmp)
		return errFS(path, err)
	}
	if err := os.Chmod(tmp, mode); err != nil {
		os.Remove(tmp)
		return errFS(path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errFS(path, err)
	}
	return nil
}

// ensureSymlink creates a symlink at path pointing at target. An existing
// symlink already pointing at target is a no-op.
func ensureSymlink(path, target string, uid, gid int) error {
	if err := ensureParentDirs(path, uid, gid); err != nil {
		return err
	}
	if existing, err := os.Readlink(path); err == nil {
		if existing == target {
			return nil
		}
		return errFS(path, fmt.Errorf("symlink already exists pointing at %s", existing))
	}
	if err := os.Symlink(target, path); err != nil {
		return errFS(path, err)
	}
	if err := os.Lchown(path, uid, gid); err != nil {
		return errFS(path, err)
	}
	return nil
}

// removePath removes a file, empty directory, or symlink at path, used by
// rollback after a mountpoint has been detached.
func removePath(path string) error {
	return os.Remove(path)
}

// readHostFile reads a host file's contents and mode. A missing file is
// reported via os.IsNotExist(err) so callers (the procfs synthesizer) can
// skip it rather than fail.
func readHostFile(path string) ([]byte, os.FileMode, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return buf, fi.Mode().Perm(), nil
}

// patchModifyDeviceFiles scans buf for the literal "ModifyDeviceFiles: 1"
// and overwrites the "1" in place with "0", instructing the kernel driver
// not to recreate the device nodes the engine just bound into the
// container. A buffer with no match, or already patched, is returned
// unchanged.
func patchModifyDeviceFiles(buf []byte) []byte {
	const needle = "ModifyDeviceFiles: 1"
	idx := bytes.Index(buf, []byte(needle))
	if idx < 0 {
		return buf
	}
	out := append([]byte(nil), buf...)
	out[idx+len(needle)-1] = '0'
	return out
}

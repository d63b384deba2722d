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
	"runtime"

	"github.com/NVIDIA/container-gpu-inject/pkg/sylog"
)

// transaction accumulates the mount log: every mount is recorded before the
// next step runs, so a failure at any point can be unrolled in reverse.
type transaction struct {
	sc  Syscalls
	log []string
}

func (t *transaction) record(mountpoint string) {
	t.log = append(t.log, mountpoint)
}

// rollback unmounts everything recorded, in reverse creation order,
// swallowing errors.
func (t *transaction) rollback() {
	for i := len(t.log) - 1; i >= 0; i-- {
		unmountBestEffort(t.sc, t.log[i])
	}
}

// mountFiles binds every file in paths whose basename is admitted by match
// into dir (relative to cnt.Rootfs), preserving the source's mode, and
// returns the resulting container-side paths.
func mountFiles(t *transaction, cnt *Container, dir string, paths []string, match func(basename string) bool) ([]string, error) {
	var mounted []string
	for _, src := range paths {
		base := filepath.Base(src)
		if !match(base) {
			continue
		}

		dst, err := resolve(cnt.Rootfs, filepath.Join(dir, base))
		if err != nil {
			return nil, err
		}

		mode, err := statMode(t.sc, src)
		if err != nil {
			return nil, errFS(src, err)
		}
		if err := ensureFile(dst, cnt.UID, cnt.GID, mode); err != nil {
			return nil, err
		}

		if err := bindMount(t.sc, src, dst, classLibraryFile); err != nil {
			unmountBestEffort(t.sc, dst)
			return nil, err
		}
		t.record(dst)
		mounted = append(mounted, dst)
	}
	return mounted, nil
}

func statMode(sc Syscalls, path string) (os.FileMode, error) {
	fi, err := sc.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Mode(), nil
}

// MountDriver performs the one-shot bulk injection: it enters the
// container's mount namespace, lays down the procfs view (and, if
// requested, the app-profile tmpfs), binds every admitted binary and
// library, applies the symlink policy, binds admitted IPC sockets and
// devices, and authorizes each admitted device's cgroup entry. On any failure
// every mount recorded so far is unrolled and the caller's namespace is
// restored before returning.
func MountDriver(ctx *Context, sc Syscalls, cnt *Container, info *DriverInfo) (err error) {
	if cnt == nil || info == nil {
		return errInvalidArg("container and driver info must be non-nil")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := enterNamespace(sc, ctx.CallerNS, cnt.MntNS)
	if err != nil {
		return err
	}

	t := &transaction{sc: sc}
	err = runMountDriver(t, cnt, info)

	if err != nil {
		t.rollback()
	}
	if rerr := restore(); rerr != nil {
		if err == nil {
			// Success path: failing to return to the caller's namespace
			// is reported as the call's own error.
			err = rerr
		} else {
			// Rollback path: the process is left straddling two mount
			// namespaces with no way to know which one subsequent syscalls
			// will land in. Continuing in that indeterminate state is worse
			// than crashing.
			sylog.Fatalf("rollback: failed to restore caller namespace: %v", rerr)
		}
	}
	return err
}

func runMountDriver(t *transaction, cnt *Container, info *DriverInfo) error {
	procfsPath, err := mountProcfs(t.sc, cnt)
	if err != nil {
		return err
	}
	t.record(procfsPath)

	if cnt.Flags.Has(FlagGraphicsLibs) {
		profilePath, err := mountAppProfile(t.sc, cnt)
		if err != nil {
			return err
		}
		t.record(profilePath)
	}

	var libraryMounts []string

	if len(info.Bins) > 0 {
		// Binaries don't participate in the symlink policy, so their
		// mounted paths aren't collected.
		if _, err := mountFiles(t, cnt, cnt.BinsDir, info.Bins, func(b string) bool {
			return matchBinaryFlags(b, cnt.Flags)
		}); err != nil {
			return err
		}
	}
	if len(info.Libs) > 0 {
		mounted, err := mountFiles(t, cnt, cnt.LibsDir, info.Libs, func(b string) bool {
			return matchLibraryFlags(b, cnt.Flags)
		})
		if err != nil {
			return err
		}
		libraryMounts = append(libraryMounts, mounted...)
	}
	if cnt.Flags.Has(FlagCompat32) && len(info.Libs32) > 0 {
		mounted, err := mountFiles(t, cnt, cnt.Libs32Dir, info.Libs32, func(b string) bool {
			return matchLibraryFlags(b, cnt.Flags)
		})
		if err != nil {
			return err
		}
		libraryMounts = append(libraryMounts, mounted...)
	}

	if err := applySymlinkPolicy(libraryMounts, cnt.UID, cnt.GID); err != nil {
		return err
	}

	for _, ipc := range info.IPCs {
		if !matchIPC(ipc, cnt.Flags) {
			continue
		}
		dst, err := mountIPC(t.sc, cnt, ipc)
		if err != nil {
			return err
		}
		t.record(dst)
	}

	for _, dev := range info.Devs {
		if !matchDevice(Major(dev.DevID), cnt.Flags) {
			continue
		}
		if !cnt.Flags.Has(FlagNoDevbind) {
			dst, err := mountDeviceNode(t.sc, cnt, dev.Path)
			if err != nil {
				return err
			}
			t.record(dst)
		}
		if !cnt.Flags.Has(FlagNoCgroups) {
			if err := authorizeDevice(cnt, dev.DevID); err != nil {
				return err
			}
		}
	}

	return nil
}

// mountIPC bind-mounts an AF_UNIX socket path into the container.
func mountIPC(sc Syscalls, cnt *Container, src string) (string, error) {
	dst, err := resolve(cnt.Rootfs, src)
	if err != nil {
		return "", err
	}
	mode, err := statMode(sc, src)
	if err != nil {
		return "", errFS(src, err)
	}
	if err := ensureFile(dst, cnt.UID, cnt.GID, mode); err != nil {
		return "", err
	}
	if err := bindMount(sc, src, dst, classIPCSocket); err != nil {
		unmountBestEffort(sc, dst)
		return "", err
	}
	return dst, nil
}

// mountDeviceNode bind-mounts a device node path into the container.
func mountDeviceNode(sc Syscalls, cnt *Container, src string) (string, error) {
	dst, err := resolve(cnt.Rootfs, src)
	if err != nil {
		return "", err
	}
	mode, err := statMode(sc, src)
	if err != nil {
		return "", errFS(src, err)
	}
	if err := ensureFile(dst, cnt.UID, cnt.GID, mode); err != nil {
		return "", err
	}
	if err := bindMount(sc, src, dst, classDeviceNode); err != nil {
		unmountBestEffort(sc, dst)
		return "", err
	}
	return dst, nil
}

// MountDevice admits a single GPU after the bulk driver mount: it
// validates the host device node still matches dev.Node.DevID, binds it
// in, mounts the per-GPU procfs directory, updates the application
// profile if graphics libraries are enabled, and authorizes the device's
// cgroup entry.
func MountDevice(ctx *Context, sc Syscalls, cnt *Container, dev *Device) (err error) {
	if cnt == nil || dev == nil {
		return errInvalidArg("container and device must be non-nil")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	restore, err := enterNamespace(sc, ctx.CallerNS, cnt.MntNS)
	if err != nil {
		return err
	}

	t := &transaction{sc: sc}
	err = runMountDevice(t, cnt, dev)

	if err != nil {
		t.rollback()
	}
	if rerr := restore(); rerr != nil {
		if err == nil {
			err = rerr
		} else {
			sylog.Fatalf("rollback: failed to restore caller namespace: %v", rerr)
		}
	}
	return err
}

func runMountDevice(t *transaction, cnt *Container, dev *Device) error {
	if !cnt.Flags.Has(FlagNoDevbind) {
		fi, err := t.sc.Stat(dev.Node.Path)
		if err != nil {
			return errFS(dev.Node.Path, err)
		}
		if t.sc.Rdev(fi) != dev.Node.DevID {
			return errInvalidState(dev.Node.Path, "device node does not match expected dev_t")
		}
		dst, err := mountDeviceNode(t.sc, cnt, dev.Node.Path)
		if err != nil {
			return err
		}
		t.record(dst)
	}

	procPath, err := mountProcfsGPU(t.sc, cnt, dev.BusID)
	if err != nil {
		return err
	}
	t.record(procPath)

	if cnt.Flags.Has(FlagGraphicsLibs) {
		if err := patchAppProfile(cnt, Minor(dev.Node.DevID)); err != nil {
			return err
		}
	}

	if !cnt.Flags.Has(FlagNoCgroups) {
		if err := authorizeDevice(cnt, dev.Node.DevID); err != nil {
			return err
		}
	}

	return nil
}

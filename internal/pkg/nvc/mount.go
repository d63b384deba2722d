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
	"golang.org/x/sys/unix"

	"github.com/NVIDIA/container-gpu-inject/pkg/sylog"
)

// mountClass selects both the mount syscall variant and the remount flag
// mask for a kind of bind target: one enum instead of one function per
// class.
type mountClass int

const (
	classLibraryFile mountClass = iota
	classDeviceNode
	classIPCSocket
	classGPUProcfs
	classProcfsTmpfs
	classAppProfileTmpfs
)

// remountFlags returns the class-specific MS_BIND|MS_REMOUNT flag mask.
// Every class includes MS_BIND|MS_REMOUNT.
func (c mountClass) remountFlags() uintptr {
	base := uintptr(unix.MS_BIND | unix.MS_REMOUNT)
	switch c {
	case classLibraryFile:
		return base | unix.MS_RDONLY | unix.MS_NODEV | unix.MS_NOSUID
	case classDeviceNode, classGPUProcfs:
		return base | unix.MS_RDONLY | unix.MS_NODEV | unix.MS_NOSUID | unix.MS_NOEXEC
	case classIPCSocket:
		return base | unix.MS_NODEV | unix.MS_NOSUID | unix.MS_NOEXEC
	case classProcfsTmpfs, classAppProfileTmpfs:
		return base | unix.MS_NODEV | unix.MS_NOSUID | unix.MS_NOEXEC
	default:
		return base
	}
}

// deviceRemountFlags is the one exception to mountClass.remountFlags: a
// device node is mounted RDONLY|NOSUID|NOEXEC but without MS_NODEV, since
// the whole point of the mount is that the target *is* a device.
func deviceRemountFlags() uintptr {
	return uintptr(unix.MS_BIND | unix.MS_REMOUNT | unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NOEXEC)
}

// bindMount performs the two-call bind+remount idiom: MS_BIND, then
// MS_BIND|MS_REMOUNT|flags. class selects the flag mask,
// except for classDeviceNode which uses deviceRemountFlags (no MS_NODEV).
func bindMount(sc Syscalls, src, dst string, class mountClass) error {
	sylog.Debugf("mounting %s at %s", src, dst)
	if err := sc.Mount(src, dst, "", unix.MS_BIND, ""); err != nil {
		return errMount(dst, err)
	}
	flags := class.remountFlags()
	if class == classDeviceNode {
		flags = deviceRemountFlags()
	}
	if err := sc.Mount("", dst, "", flags, ""); err != nil {
		return errMount(dst, err)
	}
	return nil
}

// mountTmpfsRaw mounts a fresh, empty tmpfs at dst with mode 0555 and
// nothing else. The procfs synthesizer writes content into it before the
// eventual remount; the app-profile tmpfs has no content at mount time and
// is remounted immediately via mountTmpfs.
func mountTmpfsRaw(sc Syscalls, dst string) error {
	sylog.Debugf("mounting tmpfs at %s", dst)
	if err := sc.Mount("tmpfs", dst, "tmpfs", 0, "mode=0555"); err != nil {
		return errMount(dst, err)
	}
	return nil
}

// remountClass applies class's remount flags to an already-mounted dst
// (the second half of the bind+remount / tmpfs+remount idiom).
func remountClass(sc Syscalls, dst string, class mountClass) error {
	if err := sc.Mount("", dst, "", class.remountFlags(), ""); err != nil {
		return errMount(dst, err)
	}
	return nil
}

// mountTmpfs mounts a fresh, empty tmpfs at dst with mode 0555, then
// remounts it with the class's flags. The remount still specifies MS_BIND
// (not just the class flags) because some kernels require it to take
// effect from within a user namespace.
func mountTmpfs(sc Syscalls, dst string, class mountClass) error {
	if err := mountTmpfsRaw(sc, dst); err != nil {
		return err
	}
	if err := remountClass(sc, dst, class); err != nil {
		unmountBestEffort(sc, dst)
		return err
	}
	return nil
}

// unmountBestEffort detaches target and removes the mountpoint file/dir,
// swallowing all errors: rollback-time failures are logged at info level
// and otherwise ignored, and never mask the primary error.
func unmountBestEffort(sc Syscalls, target string) {
	if target == "" {
		return
	}
	if err := sc.Unmount(target, unix.MNT_DETACH); err != nil {
		sylog.Infof("rollback: umount %s: %v", target, err)
	}
	if err := removePath(target); err != nil {
		sylog.Infof("rollback: remove %s: %v", target, err)
	}
}

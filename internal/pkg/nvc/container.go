// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package nvc

// Flags is a bitset of container injection options. The bit values match
// the historical container_opts enum from libnvidia-container so that a
// config or CLI surface using the same option names ("no-cgroups",
// "utility", "compute", "video", "graphics", "compat32") round-trips to
// the same bits.
type Flags uint32

const (
	FlagSupervised Flags = 1 << iota
	FlagStandalone
	FlagNoCgroups
	FlagNoDevbind
	FlagUtilityLibs
	FlagComputeLibs
	FlagVideoLibs
	FlagGraphicsLibs
	FlagUtilityBins
	FlagComputeBins
	FlagCompat32
)

// Has reports whether all bits in want are set in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// DeviceNode identifies a character device by host path and dev_t.
type DeviceNode struct {
	Path  string
	DevID uint64 // encodes major:minor, see Major/Minor below
}

// Major returns the device major number encoded in id.
func Major(id uint64) uint32 { return uint32((id >> 8) & 0xfff) | uint32((id>>32)&0xfffff000) }

// Minor returns the device minor number encoded in id.
func Minor(id uint64) uint32 { return uint32(id&0xff) | uint32((id>>12)&0xffffff00) }

// Makedev builds a Linux dev_t from a major:minor pair (glibc's
// makedev(3) encoding), the inverse of Major/Minor.
func Makedev(major, minor uint32) uint64 {
	return (uint64(major&0xfff) << 8) |
		uint64(minor&0xff) |
		(uint64(major&0xfffff000) << 32) |
		(uint64(minor&0xffffff00) << 12)
}

// nvidiaDeviceMajor is the fixed major number the NVIDIA kernel driver
// registers its character devices under (NV_DEVICE_MAJOR upstream).
const nvidiaDeviceMajor = 195

// Container is the caller-supplied handle for the container being injected
// into. Construction (resolving rootfs, uid/gid, the mount namespace
// handle, the devices cgroup path) is the container runtime's job; the
// engine only ever reads these fields.
type Container struct {
	Rootfs string
	UID    int
	GID    int
	MntNS  NamespaceHandle
	DevCg  string
	Flags  Flags

	// Directories (relative to Rootfs) library/binary mounts are placed
	// under. Supplied by the caller; a typical Linux layout is
	// "/usr/bin", "/usr/lib/x86_64-linux-gnu", "/usr/lib/i386-linux-gnu".
	BinsDir   string
	LibsDir   string
	Libs32Dir string
}

// Context is process-wide state held across a sequence of injection calls:
// the caller's own mount namespace (to return to). It carries no error
// sink; rollback-time errors are logged through pkg/sylog.
type Context struct {
	CallerNS NamespaceHandle
}

// DriverInfo is the set of driver userspace files to inject, supplied by an
// external discovery step (out of scope for this engine).
type DriverInfo struct {
	Bins   []string
	Libs   []string
	Libs32 []string
	IPCs   []string
	Devs   []DeviceNode
}

// Device is a single GPU admitted to the container after the bulk driver
// mount, injected by MountDevice.
type Device struct {
	Node  DeviceNode
	BusID string // 32-bit domain PCI address, e.g. "00000000:3b:00.0"
}

// persistencedSocket is the one IPC path that only needs UtilityLibs;
// every other IPC path needs ComputeLibs (see matchIPC).
const persistencedSocket = "/var/run/nvidia-persistenced/socket"

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
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gotest.tools/v3/assert"
)

// newTestContainer wires up a Container/Context pair backed by real
// temp-file "namespace handles" (enterNamespace only needs something
// openable; the actual setns call is stubbed by fakeSyscalls).
func newTestContainer(t *testing.T, flags Flags) (*Container, *Context) {
	t.Helper()
	rootfs := t.TempDir()
	devCg := t.TempDir()

	cnt := &Container{
		Rootfs:    rootfs,
		UID:       0,
		GID:       0,
		MntNS:     newNSFile(t, "target-ns"),
		DevCg:     devCg,
		Flags:     flags,
		BinsDir:   "/usr/bin",
		LibsDir:   "/usr/lib64",
		Libs32Dir: "/usr/lib",
	}
	ctx := &Context{CallerNS: newNSFile(t, "caller-ns")}
	return cnt, ctx
}

// newHostFile creates a real file under a throwaway host-side directory and
// registers a Stat redirect so the engine can statMode() it as if it were a
// real /usr/lib64 or /dev path.
func newHostFile(t *testing.T, sc *fakeSyscalls, hostPath string, mode os.FileMode) {
	t.Helper()
	real := filepath.Join(t.TempDir(), filepath.Base(hostPath))
	assert.NilError(t, os.WriteFile(real, nil, mode))
	sc.redirect[hostPath] = real
}

// TestMountDriverComputeOnlyNoCgroupsOneDevice covers a compute-only admission with
// cgroup authorization disabled and a single device.
func TestMountDriverComputeOnlyNoCgroupsOneDevice(t *testing.T) {
	sc := newFakeSyscalls()
	flags := FlagComputeLibs | FlagComputeBins | FlagNoCgroups
	cnt, ctx := newTestContainer(t, flags)

	libPath := "/usr/lib64/libcuda.so.470.57"
	binPath := "/usr/bin/nvidia-smi"
	devPath := "/dev/nvidia0"
	newHostFile(t, sc, libPath, 0o444)
	newHostFile(t, sc, binPath, 0o555)
	newHostFile(t, sc, devPath, 0o660)

	info := &DriverInfo{
		Libs: []string{libPath},
		Bins: []string{binPath},
		Devs: []DeviceNode{{Path: devPath, DevID: Makedev(195, 0)}},
	}

	err := MountDriver(ctx, sc, cnt, info)
	assert.NilError(t, err)

	procPath := filepath.Join(cnt.Rootfs, procDriverNvidia)
	assert.Assert(t, sc.mountedAt(procPath))

	libDst := filepath.Join(cnt.Rootfs, cnt.LibsDir, "libcuda.so.470.57")
	assert.Assert(t, sc.mountedAt(libDst))
	symlink, err := os.Readlink(filepath.Join(cnt.Rootfs, cnt.LibsDir, "libcuda.so"))
	assert.NilError(t, err)
	assert.Equal(t, symlink, "libcuda.so.470.57")

	binDst := filepath.Join(cnt.Rootfs, cnt.BinsDir, "nvidia-smi")
	assert.Assert(t, sc.mountedAt(binDst))

	devDst := filepath.Join(cnt.Rootfs, "dev", "nvidia0")
	assert.Assert(t, sc.mountedAt(devDst))

	_, err = os.Stat(filepath.Join(cnt.DevCg, "devices.allow"))
	assert.Assert(t, os.IsNotExist(err))

	_, err = os.Stat(filepath.Join(cnt.Rootfs, appProfileDir))
	assert.Assert(t, os.IsNotExist(err))

	assert.Equal(t, len(sc.setns), 2) // enter, then restore
}

// TestMountDeviceGraphicsTwoGPUsSequential admits two GPUs in sequence with
// graphics libraries enabled and checks the application-profile mask ORs in
// each device's bit.
func TestMountDeviceGraphicsTwoGPUsSequential(t *testing.T) {
	sc := newFakeSyscalls()
	flags := FlagGraphicsLibs
	cnt, ctx := newTestContainer(t, flags)

	assert.NilError(t, MountDriver(ctx, sc, cnt, &DriverInfo{}))

	profilePath := filepath.Join(cnt.Rootfs, appProfileDir, appProfileFile)
	_, err := os.Stat(profilePath)
	assert.Assert(t, os.IsNotExist(err))

	newHostFile(t, sc, "/proc/driver/nvidia/gpus/0000:3b:00.0", 0o555)
	dev0 := &Device{Node: DeviceNode{Path: "/dev/nvidia0", DevID: Makedev(195, 0)}, BusID: "00000000:3b:00.0"}
	sc.redirect[dev0.Node.Path] = newHostFileNamed(t, "nvidia0-node", 0o660)
	sc.rdevOf[filepath.Base(sc.redirect[dev0.Node.Path])] = dev0.Node.DevID

	assert.NilError(t, MountDevice(ctx, sc, cnt, dev0))
	buf, err := os.ReadFile(profilePath)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(buf), "0x1"))

	newHostFile(t, sc, "/proc/driver/nvidia/gpus/0000:3c:00.0", 0o555)
	dev1 := &Device{Node: DeviceNode{Path: "/dev/nvidia3", DevID: Makedev(195, 3)}, BusID: "00000000:3c:00.0"}
	sc.redirect[dev1.Node.Path] = newHostFileNamed(t, "nvidia3-node", 0o660)
	sc.rdevOf[filepath.Base(sc.redirect[dev1.Node.Path])] = dev1.Node.DevID

	assert.NilError(t, MountDevice(ctx, sc, cnt, dev1))
	buf, err = os.ReadFile(profilePath)
	assert.NilError(t, err)
	assert.Assert(t, strings.Contains(string(buf), "0x9"))
}

func newHostFileNamed(t *testing.T, name string, mode os.FileMode) string {
	t.Helper()
	real := filepath.Join(t.TempDir(), name)
	assert.NilError(t, os.WriteFile(real, nil, mode))
	return real
}

// TestMountDriverRollbackOnBindFailure makes the second library bind fail;
// the first bind plus the procfs view must be undone.
func TestMountDriverRollbackOnBindFailure(t *testing.T) {
	sc := newFakeSyscalls()
	cnt, ctx := newTestContainer(t, FlagComputeLibs)

	lib1 := "/usr/lib64/libcuda.so.1"
	lib2 := "/usr/lib64/libnvidia-opencl.so.1"
	newHostFile(t, sc, lib1, 0o444)
	newHostFile(t, sc, lib2, 0o444)

	lib2Dst := filepath.Join(cnt.Rootfs, cnt.LibsDir, "libnvidia-opencl.so.1")
	sc.failMount(lib2Dst, errors.New("bind rejected"))

	info := &DriverInfo{Libs: []string{lib1, lib2}}
	err := MountDriver(ctx, sc, cnt, info)
	assert.Assert(t, err != nil)

	assert.Equal(t, len(sc.mounts), 0)

	lib1Dst := filepath.Join(cnt.Rootfs, cnt.LibsDir, "libcuda.so.1")
	_, statErr := os.Stat(lib1Dst)
	assert.Assert(t, os.IsNotExist(statErr)) // rollback detaches the mount and removes its target file
	assert.Assert(t, !sc.mountedAt(lib1Dst))

	procPath := filepath.Join(cnt.Rootfs, procDriverNvidia)
	assert.Assert(t, !sc.mountedAt(procPath))

	assert.Equal(t, len(sc.setns), 2)
}

// TestMountDeviceRejectsDevIDMismatch covers a host device node whose dev_t
// no longer matches what the caller expects.
func TestMountDeviceRejectsDevIDMismatch(t *testing.T) {
	sc := newFakeSyscalls()
	cnt, ctx := newTestContainer(t, FlagComputeLibs)

	devReal := newHostFileNamed(t, "nvidia0-node", 0o660)
	sc.rdevOf[filepath.Base(devReal)] = Makedev(195, 1) // host node is actually minor 1...
	sc.redirect["/dev/nvidia0"] = devReal

	dev := &Device{Node: DeviceNode{Path: "/dev/nvidia0", DevID: Makedev(195, 0)}} // ...but caller expects minor 0
	newHostFile(t, sc, "/proc/driver/nvidia/gpus/0000:3b:00.0", 0o555)
	dev.BusID = "00000000:3b:00.0"

	err := MountDevice(ctx, sc, cnt, dev)
	assert.Assert(t, err != nil)
	var nerr *Error
	assert.Assert(t, errors.As(err, &nerr))
	assert.Equal(t, nerr.Kind, InvalidState)

	assert.Equal(t, len(sc.mounts), 0)
	_, statErr := os.Stat(filepath.Join(cnt.DevCg, "devices.allow"))
	assert.Assert(t, os.IsNotExist(statErr))
}

// TestMountDriverPersistencedIPCGating checks the asymmetric IPC admission
// rule across both flag combinations.
func TestMountDriverPersistencedIPCGating(t *testing.T) {
	otherIPC := "/var/run/nvidia-fabricmanager/socket"

	t.Run("ComputeLibs admits only the non-persistenced path", func(t *testing.T) {
		sc := newFakeSyscalls()
		cnt, ctx := newTestContainer(t, FlagComputeLibs)
		newHostFile(t, sc, persistencedSocket, 0o777)
		newHostFile(t, sc, otherIPC, 0o777)

		info := &DriverInfo{IPCs: []string{persistencedSocket, otherIPC}}
		assert.NilError(t, MountDriver(ctx, sc, cnt, info))

		assert.Assert(t, sc.mountedAt(filepath.Join(cnt.Rootfs, otherIPC)))
		assert.Assert(t, !sc.mountedAt(filepath.Join(cnt.Rootfs, persistencedSocket)))
	})

	t.Run("UtilityLibs admits only persistenced", func(t *testing.T) {
		sc := newFakeSyscalls()
		cnt, ctx := newTestContainer(t, FlagUtilityLibs)
		newHostFile(t, sc, persistencedSocket, 0o777)
		newHostFile(t, sc, otherIPC, 0o777)

		info := &DriverInfo{IPCs: []string{persistencedSocket, otherIPC}}
		assert.NilError(t, MountDriver(ctx, sc, cnt, info))

		assert.Assert(t, sc.mountedAt(filepath.Join(cnt.Rootfs, persistencedSocket)))
		assert.Assert(t, !sc.mountedAt(filepath.Join(cnt.Rootfs, otherIPC)))
	})
}

// TestCapabilityGatingEmptyFlagsOnlyProcfs covers the "flags = {}" edge
// case: with no flags set, only the procfs view is created, nothing else.
func TestCapabilityGatingEmptyFlagsOnlyProcfs(t *testing.T) {
	sc := newFakeSyscalls()
	cnt, ctx := newTestContainer(t, 0)

	lib := "/usr/lib64/libcuda.so.1"
	bin := "/usr/bin/nvidia-smi"
	devPath := "/dev/nvidia0"
	newHostFile(t, sc, lib, 0o444)
	newHostFile(t, sc, bin, 0o555)
	newHostFile(t, sc, devPath, 0o660)

	info := &DriverInfo{
		Libs: []string{lib},
		Bins: []string{bin},
		Devs: []DeviceNode{{Path: devPath, DevID: Makedev(195, 0)}},
		IPCs: []string{persistencedSocket},
	}
	assert.NilError(t, MountDriver(ctx, sc, cnt, info))

	assert.Equal(t, len(sc.mounts), 1) // only the procfs tmpfs
	procPath := filepath.Join(cnt.Rootfs, procDriverNvidia)
	assert.Assert(t, sc.mountedAt(procPath))
}

// TestNamespaceBalanceOnEveryPath checks that whether MountDriver succeeds
// or fails, the caller's namespace is restored exactly once by the end of
// the call.
func TestNamespaceBalanceOnEveryPath(t *testing.T) {
	for _, fail := range []bool{false, true} {
		sc := newFakeSyscalls()
		cnt, ctx := newTestContainer(t, FlagComputeLibs)

		lib := "/usr/lib64/libcuda.so.1"
		newHostFile(t, sc, lib, 0o444)
		if fail {
			dst := filepath.Join(cnt.Rootfs, cnt.LibsDir, "libcuda.so.1")
			sc.failMount(dst, errors.New("forced failure"))
		}

		_ = MountDriver(ctx, sc, cnt, &DriverInfo{Libs: []string{lib}})
		assert.Equal(t, len(sc.setns), 2)
	}
}

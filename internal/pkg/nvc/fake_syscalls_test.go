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
)

// fakeSyscalls is the stand-in Syscalls implementation tests use: real Stat
// calls run against a t.TempDir() rootfs (so file modes/existence behave
// like the real thing), while Mount/Unmount/Setns are tracked in-memory with
// optional injected failures.
type fakeSyscalls struct {
	mounts   []fakeMount
	setns    []int
	failOn   map[string]error  // keyed by "mount:<target>", "unmount:<target>", "setns:<fd>"
	rdevOf   map[string]uint64
	redirect map[string]string // path -> real path to Stat/Lstat instead, for faking host paths the test sandbox doesn't have
}

type fakeMount struct {
	source, target, fstype string
	flags                   uintptr
	data                    string
}

func newFakeSyscalls() *fakeSyscalls {
	return &fakeSyscalls{
		failOn:   make(map[string]error),
		rdevOf:   make(map[string]uint64),
		redirect: make(map[string]string),
	}
}

func (f *fakeSyscalls) failMount(target string, err error) {
	f.failOn["mount:"+target] = err
}

func (f *fakeSyscalls) failUnmount(target string, err error) {
	f.failOn["unmount:"+target] = err
}

// Mount models a bare-metal mount(2): a call against a target that's
// already recorded is a remount (the real kernel call takes the same
// mountpoint in-place, not a second mount), so it updates the existing
// record's flags/data instead of adding another one.
func (f *fakeSyscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err, ok := f.failOn["mount:"+target]; ok {
		return err
	}
	for i, m := range f.mounts {
		if m.target == target {
			f.mounts[i].flags = flags
			f.mounts[i].data = data
			return nil
		}
	}
	f.mounts = append(f.mounts, fakeMount{source, target, fstype, flags, data})
	return nil
}

// Unmount models umount2(MNT_DETACH): one call fully detaches the
// mountpoint, regardless of how many mount(2)/remount calls built it up.
func (f *fakeSyscalls) Unmount(target string, flags int) error {
	if err, ok := f.failOn["unmount:"+target]; ok {
		return err
	}
	for i, m := range f.mounts {
		if m.target == target {
			f.mounts = append(f.mounts[:i], f.mounts[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeSyscalls) Setns(fd int, nstype int) error {
	if err, ok := f.failOn[fmt.Sprintf("setns:%d", fd)]; ok {
		return err
	}
	f.setns = append(f.setns, fd)
	return nil
}

func (f *fakeSyscalls) Stat(path string) (os.FileInfo, error) {
	if real, ok := f.redirect[path]; ok {
		path = real
	}
	return os.Stat(path)
}

func (f *fakeSyscalls) Lstat(path string) (os.FileInfo, error) {
	if real, ok := f.redirect[path]; ok {
		path = real
	}
	return os.Lstat(path)
}

func (f *fakeSyscalls) Rdev(fi os.FileInfo) uint64 {
	if id, ok := f.rdevOf[fi.Name()]; ok {
		return id
	}
	return 0
}

func (f *fakeSyscalls) mountedAt(target string) bool {
	for _, m := range f.mounts {
		if m.target == target {
			return true
		}
	}
	return false
}

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

	"golang.org/x/sys/unix"
)

// realSyscalls is the production Syscalls implementation, a thin wrapper
// around golang.org/x/sys/unix the way apptainer's own RPC server
// (internal/pkg/runtime/engine/apptainer/rpc/server) wraps syscall.Mount
// and syscall.Unmount for its privileged helper process.
type realSyscalls struct{}

// NewSyscalls returns the production Syscalls backed by real kernel calls.
func NewSyscalls() Syscalls { return realSyscalls{} }

func (realSyscalls) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (realSyscalls) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

func (realSyscalls) Setns(fd int, nstype int) error {
	return unix.Setns(fd, nstype)
}

func (realSyscalls) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

func (realSyscalls) Lstat(path string) (os.FileInfo, error) { return os.Lstat(path) }

func (realSyscalls) Rdev(fi os.FileInfo) uint64 {
	if st, ok := fi.Sys().(*unix.Stat_t); ok {
		return st.Rdev
	}
	return 0
}

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

	"golang.org/x/sys/unix"
)

// NamespaceHandle identifies a mount namespace the engine can enter, either
// by the path of an nsfs bind (typically "/proc/<pid>/ns/mnt") or by an
// already-open file descriptor.
type NamespaceHandle struct {
	Path string
	Fd   int // if non-zero, used instead of opening Path
}

// NamespaceFromPath builds a handle from an nsfs path, e.g.
// fmt.Sprintf("/proc/%d/ns/mnt", pid).
func NamespaceFromPath(path string) NamespaceHandle { return NamespaceHandle{Path: path} }

func (h NamespaceHandle) open() (*os.File, error) {
	if h.Fd != 0 {
		return os.NewFile(uintptr(h.Fd), h.Path), nil
	}
	if h.Path == "" {
		return nil, fmt.Errorf("empty namespace handle")
	}
	return os.Open(h.Path)
}

// enterNamespace switches the calling OS thread's mount namespace to
// target. It does not lock the goroutine to its OS thread itself: setns is
// per-thread kernel state, so callers (MountDriver, MountDevice) hold
// runtime.LockOSThread across this call and the restore, the same
// lock/unlock discipline apptainer's internal/pkg/util/priv.Escalate pairs
// with privilege changes. Callers must call the returned restore func
// exactly once, whether or not the transaction that follows succeeds.
func enterNamespace(sc Syscalls, caller, target NamespaceHandle) (restore func() error, err error) {
	callerF, err := caller.open()
	if err != nil {
		return nil, errMount(caller.Path, err)
	}

	targetF, err := target.open()
	if err != nil {
		callerF.Close()
		return nil, errMount(target.Path, err)
	}
	defer targetF.Close()

	if err := sc.Setns(int(targetF.Fd()), unix.CLONE_NEWNS); err != nil {
		callerF.Close()
		return nil, errMount(target.Path, err)
	}

	return func() error {
		defer callerF.Close()
		if err := sc.Setns(int(callerF.Fd()), unix.CLONE_NEWNS); err != nil {
			return errMount(caller.Path, err)
		}
		return nil
	}, nil
}

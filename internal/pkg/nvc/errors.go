// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package nvc implements the NVIDIA GPU userspace injection engine: the
// ordered sequence of namespace entry, bind-mount composition, per-GPU
// procfs materialization, application-profile patching, cgroup device
// authorization and transactional rollback that gets an already-created
// container ready to run GPU workloads against the host driver.
package nvc

import "fmt"

// Kind classifies the failure of an injection operation.
type Kind int

const (
	// InvalidArg means a required input was nil or empty.
	InvalidArg Kind = iota
	// InvalidPath means a path escaped the container rootfs or overflowed
	// the platform path length limit.
	InvalidPath
	// InvalidState means on-disk state didn't match what the engine
	// expected (a device node's major:minor, an app-profile file it
	// can't parse).
	InvalidState
	// FSError is any filesystem/syscall failure not classified below.
	FSError
	// MountError is a mount/unmount/setns failure.
	MountError
	// CgroupError is a devices.allow write failure.
	CgroupError
)

func (k Kind) String() string {
	switch k {
	case InvalidArg:
		return "INVALID_ARG"
	case InvalidPath:
		return "INVALID_PATH"
	case InvalidState:
		return "INVALID_STATE"
	case FSError:
		return "FS_ERROR"
	case MountError:
		return "MOUNT_ERROR"
	case CgroupError:
		return "CGROUP_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Error is the engine's error type. It always carries the path it was
// operating on (possibly empty) and, where available, the underlying
// syscall error.
type Error struct {
	Kind  Kind
	Path  string
	Cause error
}

func (e *Error) Error() string {
	if e.Path == "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
		}
		return e.Kind.String()
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Path)
}

// Unwrap allows errors.Is/errors.As to reach the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

func newErr(kind Kind, path string, cause error) *Error {
	return &Error{Kind: kind, Path: path, Cause: cause}
}

func errInvalidArg(msg string) *Error       { return newErr(InvalidArg, "", fmt.Errorf("%s", msg)) }
func errInvalidPath(path string) *Error     { return newErr(InvalidPath, path, nil) }
func errInvalidState(path, msg string) *Error {
	return newErr(InvalidState, path, fmt.Errorf("%s", msg))
}
func errFS(path string, cause error) *Error     { return newErr(FSError, path, cause) }
func errMount(path string, cause error) *Error  { return newErr(MountError, path, cause) }
func errCgroup(path string, cause error) *Error { return newErr(CgroupError, path, cause) }

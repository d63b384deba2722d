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
	"path/filepath"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// pathMax mirrors Linux's PATH_MAX; resolve() rejects anything longer.
const pathMax = 4096

// resolve joins rootfs with sub and returns an absolute path guaranteed to
// be inside rootfs. It is built on filepath-securejoin (the
// same library apptainer uses in internal/pkg/build/files/files.go) for the
// symlink-aware filesystem walk, but where SecureJoin silently *clamps* an
// escaping path to stay inside the root, resolve treats that clamp as a
// rejection: it also computes the plain lexical join and fails with
// InvalidPath whenever the two disagree, instead of returning the clamped
// path. The two disagree whenever the walk follows a symlink, so a path
// through any symlink is rejected, including one whose target stays
// inside rootfs.
func resolve(rootfs, sub string) (string, error) {
	if rootfs == "" {
		return "", errInvalidArg("empty rootfs")
	}

	lexical := filepath.Join(rootfs, filepath.Clean(string(filepath.Separator)+sub))

	got, err := securejoin.SecureJoin(rootfs, sub)
	if err != nil {
		return "", errInvalidPath(filepath.Join(rootfs, sub))
	}
	if got != lexical {
		return "", errInvalidPath(got)
	}
	if len(got) > pathMax {
		return "", errInvalidPath(got)
	}
	return got, nil
}

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
	"strings"
)

// symlinkRule is a basename prefix paired with the ABI-compatibility
// symlink name it requires next to the mounted library.
type symlinkRule struct {
	prefix   string
	linkname string
}

var symlinkRules = []symlinkRule{
	// Many applications wrongly assume libcuda.so exists (e.g. dlopen).
	{prefix: "libcuda.so.", linkname: "libcuda.so"},
	// GLVND requires this symlink for indirect GLX support.
	{prefix: "libGLX_nvidia.so.", linkname: "libGLX_indirect.so.0"},
}

// applySymlinkPolicy inspects the basenames of the just-mounted library
// paths and creates any ABI-compatibility symlinks symlinkRules calls for,
// sibling to the mounted library.
func applySymlinkPolicy(mounted []string, uid, gid int) error {
	for _, path := range mounted {
		base := filepath.Base(path)
		for _, rule := range symlinkRules {
			if strings.HasPrefix(base, rule.prefix) {
				link := filepath.Join(filepath.Dir(path), rule.linkname)
				if err := ensureSymlink(link, base, uid, gid); err != nil {
					return err
				}
				break
			}
		}
	}
	return nil
}

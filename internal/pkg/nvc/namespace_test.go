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
	"strconv"
	"testing"

	"gotest.tools/v3/assert"
)

func newNSFile(t *testing.T, name string) NamespaceHandle {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NilError(t, os.WriteFile(path, nil, 0o644))
	return NamespaceFromPath(path)
}

func TestEnterNamespaceRestoresCaller(t *testing.T) {
	sc := newFakeSyscalls()
	caller := newNSFile(t, "caller")
	target := newNSFile(t, "target")

	restore, err := enterNamespace(sc, caller, target)
	assert.NilError(t, err)
	assert.Equal(t, len(sc.setns), 1)

	assert.NilError(t, restore())
	assert.Equal(t, len(sc.setns), 2)
}

func TestEnterNamespaceFailsOnBadTarget(t *testing.T) {
	sc := newFakeSyscalls()
	caller := newNSFile(t, "caller")
	target := NamespaceFromPath(filepath.Join(t.TempDir(), "does-not-exist"))

	_, err := enterNamespace(sc, caller, target)
	assert.Assert(t, err != nil)
}

func TestEnterNamespaceSurfacesSetnsFailure(t *testing.T) {
	sc := newFakeSyscalls()
	caller := newNSFile(t, "caller")
	target := newNSFile(t, "target")

	f, err := os.Open(target.Path)
	assert.NilError(t, err)
	defer f.Close()
	sc.failOn["setns:"+strconv.Itoa(int(f.Fd()))] = errors.New("setns rejected")

	_, err = enterNamespace(sc, caller, NamespaceHandle{Path: target.Path, Fd: int(f.Fd())})
	assert.Assert(t, err != nil)
}

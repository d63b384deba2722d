// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package nvc

import "strings"

// Capability categorizes a driver binary or library by the workload class
// that needs it, mirroring the "utility"/"compute"/"video"/"graphics"
// groupings NVIDIA/nvidia-docker's tools/src/nvidia/volumes.go hard-codes,
// and the *_LIBS/*_BINS driver flags they gate.
type Capability int

const (
	capUtility Capability = iota
	capCompute
	capVideo
	capGraphics
)

// binaryCategories is keyed by exact basename. libraryPrefixCategories is a
// prefix table: libraries match on basename prefix the same way
// nvidia-docker's volume lists are organized by library family (e.g. every
// "libnvidia-encode.so" variant is a video library, every "libcuda.so"
// variant is a compute library).
// nvidia-smi is gated by COMPUTE_BINS here rather than UTILITY_BINS: it's
// the GPU management tool compute workloads reach for most, and admitting
// it whenever compute binaries are requested avoids forcing every
// compute-only caller to also ask for utility capabilities.
var binaryCategories = map[string]Capability{
	"nvidia-smi":              capCompute,
	"nvidia-debugdump":        capUtility,
	"nvidia-persistenced":     capUtility,
	"nvidia-cuda-mps-control": capCompute,
	"nvidia-cuda-mps-server":  capCompute,
}

var libraryPrefixCategories = []struct {
	prefix string
	cap    Capability
}{
	{"libnvidia-ml.so", capUtility},
	{"libnvidia-cfg.so", capUtility},
	{"libcuda.so", capCompute},
	{"libnvidia-ptxjitcompiler.so", capCompute},
	{"libnvidia-fatbinaryloader.so", capCompute},
	{"libnvidia-opencl.so", capCompute},
	{"libOpenCL.so", capCompute},
	{"libnvidia-encode.so", capVideo},
	{"libvdpau_nvidia.so", capVideo},
	{"libnvcuvid.so", capVideo},
	{"libGL.so", capGraphics},
	{"libGLX.so", capGraphics},
	{"libEGL.so", capGraphics},
	{"libGLESv1_CM.so", capGraphics},
	{"libGLESv2.so", capGraphics},
	{"libGLX_nvidia.so", capGraphics},
	{"libEGL_nvidia.so", capGraphics},
	{"libGLESv2_nvidia.so", capGraphics},
	{"libGLESv1_CM_nvidia.so", capGraphics},
	{"libnvidia-tls.so", capGraphics},
	{"libnvidia-glcore.so", capGraphics},
	{"libnvidia-glsi.so", capGraphics},
	{"libnvidia-eglcore.so", capGraphics},
}

func capabilityFlag(c Capability, isBinary bool) Flags {
	switch {
	case isBinary && c == capUtility:
		return FlagUtilityBins
	case isBinary && c == capCompute:
		return FlagComputeBins
	case c == capUtility:
		return FlagUtilityLibs
	case c == capCompute:
		return FlagComputeLibs
	case c == capVideo:
		return FlagVideoLibs
	case c == capGraphics:
		return FlagGraphicsLibs
	default:
		return 0
	}
}

// matchBinaryFlags reports whether basename should be mounted given flags,
// as a binary.
func matchBinaryFlags(basename string, flags Flags) bool {
	c, ok := binaryCategories[basename]
	if !ok {
		return false
	}
	return flags.Has(capabilityFlag(c, true))
}

// matchLibraryFlags reports whether basename should be mounted given
// flags, as a library. compat32 libraries are gated the same way as their
// 64-bit counterparts; the caller additionally requires FlagCompat32
// before even considering the libs32 list.
func matchLibraryFlags(basename string, flags Flags) bool {
	for _, entry := range libraryPrefixCategories {
		if strings.HasPrefix(basename, entry.prefix) {
			return flags.Has(capabilityFlag(entry.cap, false))
		}
	}
	return false
}

// matchIPC applies a deliberately asymmetric gating rule (not a bug, do
// not "fix" by unifying the two branches): the persistenced socket is
// admitted iff UtilityLibs, every other IPC path iff ComputeLibs.
func matchIPC(path string, flags Flags) bool {
	if path == persistencedSocket {
		return flags.Has(FlagUtilityLibs)
	}
	return flags.Has(FlagComputeLibs)
}

// matchDevice reports whether a device is included: ComputeLibs admits
// every device, and any device whose major is the fixed NVIDIA device
// major is admitted regardless of flags.
func matchDevice(major uint32, flags Flags) bool {
	return flags.Has(FlagComputeLibs) || major == nvidiaDeviceMajor
}

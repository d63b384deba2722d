// Copyright (c) Contributors to the Apptainer project, established as
//   Apptainer a Series of LF Projects LLC.
//   For website terms of use, trademark policy, privacy policy and other
//   project policies see https://lfprojects.org/policies
// Copyright (c) 2018-2022, Sylabs Inc. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Command nvidia-container-cli is the OCI createRuntime/prestart hook
// front-end for the injection engine in internal/pkg/nvc: it reads the
// container state handed to every OCI hook on stdin, loads the engine's own
// TOML configuration and an externally produced driver inventory, and calls
// nvc.MountDriver/nvc.MountDevice against the named container.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/cobra"

	"github.com/NVIDIA/container-gpu-inject/internal/pkg/nvc"
	"github.com/NVIDIA/container-gpu-inject/pkg/sylog"
)

// engineConfig is the TOML document apptainer-style deployments ship next to
// this binary (conventionally /etc/nvidia-container-cli/config.toml): flat
// top-level keys (bins_dir, libs_dir, ..., and one boolean per option), no
// tables.
type engineConfig struct {
	BinsDir       string `toml:"bins_dir"`
	LibsDir       string `toml:"libs_dir"`
	Libs32Dir     string `toml:"libs32_dir"`
	DevCgroupRoot string `toml:"dev_cgroup_root"`

	NoCgroups  bool `toml:"no_cgroups"`
	NoDevbind  bool `toml:"no_devbind"`
	Utility    bool `toml:"utility"`
	Compute    bool `toml:"compute"`
	Video      bool `toml:"video"`
	Graphics   bool `toml:"graphics"`
	Compat32   bool `toml:"compat32"`
	Standalone bool `toml:"standalone"`
}

func (c engineConfig) flags() nvc.Flags {
	var f nvc.Flags
	if c.NoCgroups {
		f |= nvc.FlagNoCgroups
	}
	if c.NoDevbind {
		f |= nvc.FlagNoDevbind
	}
	if c.Utility {
		f |= nvc.FlagUtilityLibs | nvc.FlagUtilityBins
	}
	if c.Compute {
		f |= nvc.FlagComputeLibs | nvc.FlagComputeBins
	}
	if c.Video {
		f |= nvc.FlagVideoLibs
	}
	if c.Graphics {
		f |= nvc.FlagGraphicsLibs
	}
	if c.Compat32 {
		f |= nvc.FlagCompat32
	}
	if c.Standalone {
		f |= nvc.FlagStandalone
	} else {
		f |= nvc.FlagSupervised
	}
	return f
}

// driverInventory is the externally produced document this binary treats
// driver discovery as: it never walks the host filesystem for driver files
// itself, only deserializes what an upstream discovery step already found.
type driverInventory struct {
	Bins   []string      `json:"bins"`
	Libs   []string      `json:"libs"`
	Libs32 []string      `json:"libs32"`
	IPCs   []string      `json:"ipcs"`
	Devs   []deviceEntry `json:"devs"`
	GPUs   []gpuEntry    `json:"gpus"`
}

type deviceEntry struct {
	Path  string `json:"path"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
}

type gpuEntry struct {
	Path  string `json:"path"`
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	BusID string `json:"busid"`
}

func (inv driverInventory) toDriverInfo() *nvc.DriverInfo {
	info := &nvc.DriverInfo{
		Bins:   inv.Bins,
		Libs:   inv.Libs,
		Libs32: inv.Libs32,
		IPCs:   inv.IPCs,
	}
	for _, d := range inv.Devs {
		info.Devs = append(info.Devs, nvc.DeviceNode{
			Path:  d.Path,
			DevID: nvc.Makedev(d.Major, d.Minor),
		})
	}
	return info
}

var (
	configPath    string
	inventoryPath string
	verbosity     int
	debug         bool
)

func main() {
	root := &cobra.Command{
		Use:           "nvidia-container-cli",
		Short:         "Injects the host NVIDIA driver userspace into an OCI container",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "/etc/nvidia-container-cli/config.toml", "engine configuration file")
	root.PersistentFlags().StringVar(&inventoryPath, "driver-info", "", "path to the JSON driver inventory produced by discovery")
	root.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase log verbosity")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug-level logging")

	root.AddCommand(injectCmd)

	if err := root.Execute(); err != nil {
		sylog.Fatalf("%s", err)
	}
}

// injectCmd implements the createRuntime/prestart hook contract: the OCI
// runtime execs this binary with the container state JSON on stdin and
// waits for it to exit before starting the container's user process.
var injectCmd = &cobra.Command{
	Use:   "inject",
	Short: "Run as an OCI createRuntime/prestart hook",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if debug {
			sylog.SetLevel(int(sylog.DebugLevel))
		} else if verbosity > 0 {
			sylog.SetLevel(int(sylog.InfoLevel) + verbosity)
		}

		var state specs.State
		if err := json.NewDecoder(os.Stdin).Decode(&state); err != nil {
			return fmt.Errorf("decoding OCI state from stdin: %w", err)
		}

		var cfg engineConfig
		if _, err := toml.DecodeFile(configPath, &cfg); err != nil {
			return fmt.Errorf("reading engine config %s: %w", configPath, err)
		}
		if inventoryPath == "" {
			return fmt.Errorf("--driver-info is required")
		}
		invBuf, err := os.ReadFile(inventoryPath)
		if err != nil {
			return fmt.Errorf("reading driver inventory %s: %w", inventoryPath, err)
		}
		var inv driverInventory
		if err := json.Unmarshal(invBuf, &inv); err != nil {
			return fmt.Errorf("parsing driver inventory %s: %w", inventoryPath, err)
		}

		cnt := &nvc.Container{
			Rootfs:    state.Bundle,
			UID:       0,
			GID:       0,
			MntNS:     nvc.NamespaceFromPath(fmt.Sprintf("/proc/%d/ns/mnt", state.Pid)),
			DevCg:     cfg.DevCgroupRoot,
			Flags:     cfg.flags(),
			BinsDir:   cfg.BinsDir,
			LibsDir:   cfg.LibsDir,
			Libs32Dir: cfg.Libs32Dir,
		}
		ctx := &nvc.Context{CallerNS: nvc.NamespaceFromPath("/proc/self/ns/mnt")}
		sc := nvc.NewSyscalls()

		sylog.Infof("injecting driver userspace into container at pid %d", state.Pid)
		if err := nvc.MountDriver(ctx, sc, cnt, inv.toDriverInfo()); err != nil {
			return fmt.Errorf("mounting driver: %w", err)
		}

		for _, gpu := range inv.GPUs {
			dev := &nvc.Device{
				Node:  nvc.DeviceNode{Path: gpu.Path, DevID: nvc.Makedev(gpu.Major, gpu.Minor)},
				BusID: gpu.BusID,
			}
			sylog.Infof("admitting GPU %s (busid %s)", gpu.Path, gpu.BusID)
			if err := nvc.MountDevice(ctx, sc, cnt, dev); err != nil {
				return fmt.Errorf("mounting device %s: %w", gpu.Path, err)
			}
		}
		return nil
	},
}

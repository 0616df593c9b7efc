package ctrlstack

import (
	"fmt"
	"runtime/debug"
	"sync"
)

const modulePath = "github.com/lukastk/ctrlstack"

// BuildInfo identifies the ctrlstack build linked into the running binary.
type BuildInfo struct {
	// Version is the ctrlstack module version, or "dev" for local builds.
	Version  string `json:"version"`
	Revision string `json:"revision,omitempty"`
	Modified bool   `json:"modified,omitempty"`
}

// String formats b as "ctrlstack <version> [<revision>[-dirty]]".
func (b BuildInfo) String() string {
	s := "ctrlstack " + b.Version
	if b.Revision != "" {
		s += " " + b.Revision
		if b.Modified {
			s += "-dirty"
		}
	}
	return s
}

var frameworkBuild = sync.OnceValue(func() BuildInfo {
	return buildInfoFrom(debug.ReadBuildInfo())
})

// FrameworkBuildInfo reports the ctrlstack build of the running binary.
func FrameworkBuildInfo() BuildInfo {
	return frameworkBuild()
}

func buildInfoFrom(info *debug.BuildInfo, ok bool) BuildInfo {
	b := BuildInfo{Version: "dev"}
	if !ok || info == nil {
		return b
	}

	for _, dep := range info.Deps {
		if dep.Path == modulePath {
			b.Version = dep.Version
			break
		}
	}
	// Examples and tests build ctrlstack as the main module.
	if b.Version == "dev" && info.Main.Path == modulePath &&
		info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}

	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			b.Revision = s.Value
			if len(b.Revision) > 7 {
				b.Revision = b.Revision[:7]
			}
		case "vcs.modified":
			b.Modified = s.Value == "true"
		}
	}
	return b
}

// versionLine describes an application and the framework serving it, as
// printed by --version: "calc 1.0.0 (based on ctrlstack v0.4.0 1a2b3c4)".
func versionLine(cfg Config, b BuildInfo) string {
	name := cfg.Name
	if name == "" {
		name = "ctrlstack app"
	}
	version := cfg.Version
	if version == "" {
		version = "unversioned"
	}
	return fmt.Sprintf("%s %s (based on %s)", name, version, b)
}

// serverHeader is the Server response header of an HTTP adapter.
func serverHeader(cfg Config, b BuildInfo) string {
	s := "ctrlstack/" + b.Version
	if cfg.Name != "" && cfg.Version != "" {
		s = cfg.Name + "/" + cfg.Version + " " + s
	}
	return s
}

// Package version reports the build version of the cursorwin binary.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/cursorwin"

// buildVersion is set via -ldflags "-X pkt.systems/cursorwin/internal/version.buildVersion=...".
var buildVersion = ""

// Info describes the running build.
type Info struct {
	Version   string
	Module    string
	Revision  string
	Time      time.Time
	Modified  bool
	GoVersion string
}

// Read collects build details from the linker flags and the embedded
// build info.
func Read() Info {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		info = nil
	}
	return fromBuildInfo(info, buildVersion)
}

// Current returns the best available version string without a dirty suffix.
func Current() string {
	return strings.TrimSuffix(Read().Version, "+dirty")
}

// CurrentWithDirty returns the best available version string, marked
// "+dirty" when built from a modified tree.
func CurrentWithDirty() string {
	return Read().Version
}

func fromBuildInfo(info *debug.BuildInfo, override string) Info {
	out := Info{Module: defaultModule, Version: "v0.0.0-unknown"}
	if info != nil {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			out.Module = path
		}
		out.GoVersion = info.GoVersion
		for _, setting := range info.Settings {
			switch setting.Key {
			case "vcs.revision":
				out.Revision = setting.Value
			case "vcs.time":
				if parsed, err := time.Parse(time.RFC3339, setting.Value); err == nil {
					out.Time = parsed.UTC()
				}
			case "vcs.modified":
				out.Modified = setting.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(override) != "":
		out.Version = strings.TrimSpace(override)
	case info != nil && info.Main.Version != "" && info.Main.Version != "(devel)":
		out.Version = info.Main.Version
	case out.Revision != "" && !out.Time.IsZero():
		out.Version = out.pseudo()
	}
	return out
}

func (i Info) pseudo() string {
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	ver := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Modified {
		ver += "+dirty"
	}
	return ver
}

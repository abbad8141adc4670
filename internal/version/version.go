// Package version reports what syncd binary is running, preferring an
// explicit linker stamp over Go build info.
package version

import (
	"runtime"
	"runtime/debug"
	"strings"
	"time"
)

const (
	defaultModule  = "pkt.systems/syncd"
	unknownVersion = "v0.0.0-unknown"
)

// stamped is set with -ldflags "-X pkt.systems/syncd/internal/version.stamped=v1.2.3".
var stamped = ""

// Info describes the running build.
type Info struct {
	Module    string
	Version   string
	Revision  string
	Time      time.Time
	Modified  bool
	GoVersion string
}

// Get collects build information.
func Get() Info {
	info, _ := debug.ReadBuildInfo()
	return fromBuildInfo(info, stamped)
}

func fromBuildInfo(bi *debug.BuildInfo, stamp string) Info {
	out := Info{Module: defaultModule, GoVersion: runtime.Version()}
	if bi != nil {
		if p := strings.TrimSpace(bi.Main.Path); p != "" {
			out.Module = p
		}
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				out.Revision = s.Value
			case "vcs.time":
				if ts, err := time.Parse(time.RFC3339, s.Value); err == nil {
					out.Time = ts.UTC()
				}
			case "vcs.modified":
				out.Modified = s.Value == "true"
			}
		}
	}
	switch {
	case strings.TrimSpace(stamp) != "":
		out.Version = strings.TrimSpace(stamp)
	case bi != nil && bi.Main.Version != "" && bi.Main.Version != "(devel)":
		out.Version = bi.Main.Version
	default:
		out.Version = out.pseudo()
	}
	return out
}

// pseudo derives a Go-style pseudo version from VCS data.
func (i Info) pseudo() string {
	if i.Revision == "" || i.Time.IsZero() {
		return unknownVersion
	}
	rev := i.Revision
	if len(rev) > 12 {
		rev = rev[:12]
	}
	v := "v0.0.0-" + i.Time.Format("20060102150405") + "-" + rev
	if i.Modified {
		v += "+dirty"
	}
	return v
}

// Current returns the best available version string.
func Current() string { return Get().Version }

// Module returns the main module path.
func Module() string { return Get().Module }

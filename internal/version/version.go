// Package version reports the lotteryd build version.
package version

import (
	"runtime/debug"
	"strings"
	"time"
)

const defaultModule = "pkt.systems/lotteryd"

// buildVersion is set via -ldflags "-X pkt.systems/lotteryd/internal/version.buildVersion=...".
var buildVersion = ""

// Current returns the ldflags version, the module version, or a pseudo
// version derived from VCS stamps, in that order.
func Current() string {
	if v := strings.TrimSpace(buildVersion); v != "" {
		return v
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		return fromBuildInfo(info)
	}
	return "v0.0.0-unknown"
}

// Module returns the main module path.
func Module() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		if path := strings.TrimSpace(info.Main.Path); path != "" {
			return path
		}
	}
	return defaultModule
}

// String renders "module version" for banners and the version command.
func String() string {
	return Module() + " " + Current()
}

func fromBuildInfo(info *debug.BuildInfo) string {
	if v := strings.TrimSpace(info.Main.Version); v != "" && v != "(devel)" {
		return v
	}
	stamps := make(map[string]string, len(info.Settings))
	for _, s := range info.Settings {
		stamps[s.Key] = s.Value
	}
	revision, stamped := stamps["vcs.revision"], stamps["vcs.time"]
	when, err := time.Parse(time.RFC3339, stamped)
	if revision == "" || err != nil {
		return "v0.0.0-unknown"
	}
	if len(revision) > 12 {
		revision = revision[:12]
	}
	v := "v0.0.0-" + when.UTC().Format("20060102150405") + "-" + revision
	if stamps["vcs.modified"] == "true" {
		v += "+dirty"
	}
	return v
}

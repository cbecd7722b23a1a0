package version

import (
	"runtime/debug"
)

const (
	modulePath = "github.com/crowdsec-bouncers/edge-ban-sync"
	fallback   = "v0.1.0"
)

func Current() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return fallback
	}

	for _, d := range info.Deps {
		if d.Path == modulePath {
			return d.Version
		}
	}

	return fallback
}

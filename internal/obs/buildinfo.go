package obs

import (
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Build identifies the running binary.
type Build struct {
	Version   string
	Commit    string
	GoVersion string
	Dirty     bool
}

var (
	buildOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cmsgate_build_info",
			Help: "Always 1; labels identify the running cmsgate binary.",
		},
		[]string{"version", "commit", "goversion", "dirty"},
	)

	readBuildInfo = debug.ReadBuildInfo
)

// ResolveBuild fills the commit from the embedded VCS stamp when the linker
// left it unset or at "dev".
func ResolveBuild(version, commit string) Build {
	b := Build{Version: version, Commit: commit}
	info, ok := readBuildInfo()
	if !ok {
		return b
	}
	b.GoVersion = info.GoVersion
	stamped := commit == "" || commit == "dev"
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && stamped:
			b.Commit = s.Value
			if len(b.Commit) > 12 {
				b.Commit = b.Commit[:12]
			}
		case s.Key == "vcs.modified" && stamped:
			b.Dirty = s.Value == "true"
		}
	}
	if b.Commit == "" {
		b.Commit = "unknown"
	}
	return b
}

// InitBuildInfo publishes cmsgate_build_info for the resolved build. Calling it
// again replaces the previous label set.
func InitBuildInfo(version, commit string) Build {
	b := ResolveBuild(version, commit)
	buildOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	dirty := "false"
	if b.Dirty {
		dirty = "true"
	}
	buildInfo.Reset()
	buildInfo.WithLabelValues(b.Version, b.Commit, b.GoVersion, dirty).Set(1)
	return b
}

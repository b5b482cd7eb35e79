package obs

import (
	"runtime/debug"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func stubBuildInfo(t *testing.T, info *debug.BuildInfo, ok bool) {
	t.Helper()
	prev := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return info, ok }
	t.Cleanup(func() { readBuildInfo = prev })
}

func TestResolveBuildUsesVCSStamp(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{
		GoVersion: "go1.24.0",
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.modified", Value: "true"},
		},
	}, true)

	b := ResolveBuild("1.2.0", "dev")
	if b.Commit != "0123456789ab" || !b.Dirty || b.GoVersion != "go1.24.0" {
		t.Fatalf("unexpected build: %+v", b)
	}

	b = ResolveBuild("1.2.0", "abc123")
	if b.Commit != "abc123" || b.Dirty {
		t.Fatalf("linker-set commit must win: %+v", b)
	}
}

func TestResolveBuildWithoutBuildInfo(t *testing.T) {
	stubBuildInfo(t, nil, false)
	if b := ResolveBuild("1.2.0", ""); b.Commit != "" || b.GoVersion != "" {
		t.Fatalf("unexpected build: %+v", b)
	}
}

func TestInitBuildInfoReplacesLabels(t *testing.T) {
	stubBuildInfo(t, &debug.BuildInfo{GoVersion: "go1.24.0"}, true)

	InitBuildInfo("1.0.0", "aaa")
	InitBuildInfo("1.1.0", "bbb")

	if n := testutil.CollectAndCount(buildInfo); n != 1 {
		t.Fatalf("expected one build_info series, got %d", n)
	}
	if v := testutil.ToFloat64(buildInfo.WithLabelValues("1.1.0", "bbb", "go1.24.0", "false")); v != 1 {
		t.Fatalf("build_info=%v", v)
	}
}

package version

import (
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	noInfo := func() (*debug.BuildInfo, bool) { return nil, false }
	withInfo := func() (*debug.BuildInfo, bool) {
		return &debug.BuildInfo{
			Main: debug.Module{Version: "v0.3.0"},
			Settings: []debug.BuildSetting{
				{Key: "vcs.revision", Value: "0123456789abcdef0123"},
				{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			},
		}, true
	}

	info := resolve("", "", "", noInfo)
	assert.Equal(t, "dev", info.Version)
	assert.Equal(t, "dev", info.String())

	info = resolve("", "", "", withInfo)
	assert.Equal(t, "v0.3.0", info.Version)
	assert.Equal(t, "v0.3.0 (0123456789ab)", info.String())
	assert.Equal(t, "2026-01-02T03:04:05Z", info.BuildTime)

	info = resolve("v1.0.0", "abc", "", withInfo)
	assert.Equal(t, "v1.0.0 (abc)", info.String())
	assert.NotEmpty(t, info.GoVersion)
}

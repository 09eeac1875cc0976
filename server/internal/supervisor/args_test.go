package supervisor

import (
	"testing"

	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
	"github.com/stretchr/testify/assert"
)

func TestFormatSelector(t *testing.T) {
	cases := []struct {
		quality string
		want    string
	}{
		{"720", "bestvideo[height<=720]+bestaudio/best[height<=720]"},
		{"1080", "bestvideo[height<=1080]+bestaudio/best[height<=1080]"},
		{"audio", "bestaudio/best"},
		{"", "bestvideo+bestaudio/best"},
		{"best", "bestvideo+bestaudio/best"},
		{"-5", "bestvideo+bestaudio/best"},
	}

	for _, tc := range cases {
		t.Run(tc.quality, func(t *testing.T) {
			assert.Equal(t, tc.want, formatSelector(tc.quality))
		})
	}
}

func TestBuildArgsSubtitles(t *testing.T) {
	conf := config.Instance()
	conf.Paths.WorkingPath = "/tmp/work"
	conf.Downloads.SubtitleLangs = "en"

	j := job.New("abc123", "https://example.com/watch?v=abc123", "720", true)

	args := buildArgs(j, conf)
	assert.Contains(t, args, "--write-subs")
	assert.Contains(t, args, "--sub-langs")
	assert.Contains(t, args, "/tmp/work/abc123.%(ext)s")

	j.WantSubtitles = false
	args = buildArgs(j, conf)
	assert.NotContains(t, args, "--write-subs")
}

func TestParsePercent(t *testing.T) {
	cases := []struct {
		line string
		want int
		ok   bool
	}{
		{"[download]  42.5% of 10.00MiB at 1.00MiB/s ETA 00:05", 42, true},
		{"[download] 100% of 10.00MiB in 00:10", 100, true},
		{"[download]   0.0% of ~3.00MiB", 0, true},
		{"[info] Writing video metadata", 0, false},
		{"", 0, false},
		{"[download] 190% bogus", 0, false},
	}

	for _, tc := range cases {
		got, ok := parsePercent(tc.line)
		assert.Equal(t, tc.ok, ok, tc.line)
		if ok {
			assert.Equal(t, tc.want, got, tc.line)
		}
	}
}

package supervisor

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
)

// formatSelector maps a requested quality onto the Fetcher's format
// expression: best-of-height-capped for numeric qualities, audio-only for
// "audio", uncapped best otherwise.
func formatSelector(quality string) string {
	if quality == "audio" {
		return "bestaudio/best"
	}

	if height, err := strconv.Atoi(quality); err == nil && height > 0 {
		return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", height, height)
	}

	return "bestvideo+bestaudio/best"
}

// buildArgs assembles the Fetcher invocation for a job. The output template
// pins the working-dir filename stem to the natural key so the reconciler
// and the cleanup pass can find every artifact by prefix.
func buildArgs(j *job.Job, conf *config.Config) []string {
	args := []string{
		j.SourceURL,
		"--newline",
		"--no-colors",
		"--no-playlist",
		"-f", formatSelector(j.Quality),
		"--write-thumbnail",
		"-o", filepath.Join(conf.Paths.WorkingPath, j.Id+".%(ext)s"),
	}

	if j.WantSubtitles {
		args = append(args, "--write-subs", "--sub-langs", conf.Downloads.SubtitleLangs)
	}

	return args
}

var percentRe = regexp.MustCompile(`(\d{1,3}(?:\.\d+)?)%`)

// parsePercent extracts a progress percentage from one line of Fetcher
// output. The text is only loosely structured, so anything without a
// NN.N% token is ignored.
func parsePercent(line string) (int, bool) {
	m := percentRe.FindStringSubmatch(line)
	if m == nil {
		return 0, false
	}

	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value < 0 || value > 100 {
		return 0, false
	}

	return int(value), true
}

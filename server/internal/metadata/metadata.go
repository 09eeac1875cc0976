package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"syscall"

	"github.com/mediagrab/mediagrab/server/config"
	"github.com/mediagrab/mediagrab/server/internal/job"
)

// Metadata is the Fetcher-reported description of a single remote item.
// The document is only loosely structured; unknown fields are kept in Raw
// for the library's free-form metadata blob.
type Metadata struct {
	Id        string   `json:"id"`
	Title     string   `json:"title"`
	Thumbnail string   `json:"thumbnail"`
	Duration  float64  `json:"duration"`
	Tags      []string `json:"tags"`
	URL       string   `json:"webpage_url"`
	// FlatURL is what flat-playlist entries carry instead of webpage_url.
	FlatURL string `json:"url"`

	Raw json.RawMessage `json:"-"`
}

// SourceURL picks the usable URL for an entry.
func (m *Metadata) SourceURL() string {
	if m.URL != "" {
		return m.URL
	}
	return m.FlatURL
}

// Playlist is the metadata-only enumeration of a batch request.
type Playlist struct {
	Id      string     `json:"id"`
	Title   string     `json:"title"`
	Type    string     `json:"_type"`
	Entries []Metadata `json:"entries"`
}

func (p *Playlist) IsPlaylist() bool { return p.Type == "playlist" }

// Known phrases the Fetcher emits when a source requires credentials to
// confirm the viewer's age.
var ageRestrictionMarkers = []string{
	"confirm your age",
	"age-restricted",
	"age restricted",
	"inappropriate for some users",
}

// Fetch probes a single URL without acquiring anything. On a non-zero exit
// the buffered stderr becomes the error; access-restriction phrases map to
// job.ErrAgeRestricted.
func Fetch(ctx context.Context, url string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, config.Instance().Paths.DownloaderPath, url, "-J", "--no-playlist")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var (
		bufferedStderr bytes.Buffer
		stderrDone     sync.WaitGroup
	)
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		io.Copy(&bufferedStderr, stderr)
	}()

	slog.Info("retrieving metadata", slog.String("url", url))

	raw, err := io.ReadAll(stdout)
	if err != nil {
		return nil, err
	}

	// classification needs the complete stderr, not whatever the copy got to
	stderrDone.Wait()

	if err := cmd.Wait(); err != nil {
		return nil, classify(bufferedStderr.String())
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata: %w", err)
	}
	meta.Raw = raw

	if meta.URL == "" {
		meta.URL = url
	}

	return &meta, nil
}

// Enumerate performs the metadata-only enumeration of a batch's members.
// Duplicate entries and nested list links are dropped so each member is a
// plain single-item acquisition.
func Enumerate(ctx context.Context, url string) (*Playlist, error) {
	cmd := exec.CommandContext(ctx, config.Instance().Paths.DownloaderPath, url, "-J", "--flat-playlist")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var (
		bufferedStderr bytes.Buffer
		stderrDone     sync.WaitGroup
	)
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		io.Copy(&bufferedStderr, stderr)
	}()

	slog.Info("decoding playlist metadata", slog.String("url", url))

	var p Playlist
	if err := json.NewDecoder(stdout).Decode(&p); err != nil {
		return nil, err
	}

	stderrDone.Wait()

	if err := cmd.Wait(); err != nil {
		return nil, classify(bufferedStderr.String())
	}

	if p.Type == "" {
		return nil, errors.New("probably not a valid URL")
	}

	p.Entries = slices.CompactFunc(p.Entries, func(a, b Metadata) bool {
		return a.SourceURL() == b.SourceURL()
	})
	p.Entries = slices.DeleteFunc(p.Entries, func(e Metadata) bool {
		return strings.Contains(e.SourceURL(), "list=")
	})

	slog.Info("playlist enumerated",
		slog.String("url", url),
		slog.Int("count", len(p.Entries)),
	)

	return &p, nil
}

func classify(stderr string) error {
	trimmed := strings.TrimSpace(stderr)
	lowered := strings.ToLower(trimmed)

	for _, marker := range ageRestrictionMarkers {
		if strings.Contains(lowered, marker) {
			return fmt.Errorf("%w: %s", job.ErrAgeRestricted, trimmed)
		}
	}

	return errors.New(trimmed)
}

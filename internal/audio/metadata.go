package audio

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/opusmixd/opusmixd/internal/subprocess"
)

// Metadata mirrors the tag set surfaced in an advance response's metadata
// records. Unknown string tags default to the empty string; unknown numeric
// tags default to -1 (or -1.0 for Duration).
type Metadata struct {
	Title       string  `json:"title"`
	Album       string  `json:"album"`
	Artist      string  `json:"artist"`
	Date        string  `json:"date"`
	Format      string  `json:"format"`
	TrackNumber int     `json:"track_number"`
	TrackTotal  int     `json:"track_total"`
	DiscNumber  int     `json:"disc_number"`
	DiscTotal   int     `json:"disc_total"`
	Duration    float64 `json:"duration"`
}

// DefaultMetadata returns the all-defaults Metadata: empty strings, -1 for
// the numeric tags and -1.0 for Duration.
func DefaultMetadata() Metadata {
	return Metadata{TrackNumber: -1, TrackTotal: -1, DiscNumber: -1, DiscTotal: -1, Duration: -1.0}
}

type ffprobeFormat struct {
	Format struct {
		FormatName string            `json:"format_name"`
		Duration   string            `json:"duration"`
		Tags       map[string]string `json:"tags"`
	} `json:"format"`
}

// ProbeMetadata shells out to ffprobe to read container-level tags for
// filename. Any failure (missing binary, non-zero exit, unparsable output)
// results in the all-defaults Metadata rather than an error: a corrupt or
// untaggable source file should not fail the playlist entry that owns it.
func ProbeMetadata(filename string) Metadata {
	return probeMetadata("ffprobe", filename)
}

func probeMetadata(command, filename string) Metadata {
	meta := DefaultMetadata()

	res, err := subprocess.ExecCollect(command, []string{"-show_format", "-print_format", "json", filename}, nil)
	if err != nil || res.ExitCode != 0 {
		return meta
	}

	var probe ffprobeFormat
	if err := json.Unmarshal(res.Stdout, &probe); err != nil {
		return meta
	}

	meta.Format = probe.Format.FormatName
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		meta.Duration = d
	}

	tags := lowercaseKeys(probe.Format.Tags)
	meta.Title = tags["title"]
	meta.Album = tags["album"]
	meta.Artist = tags["artist"]
	meta.Date = tags["date"]
	meta.TrackNumber = leadingInt(tags["track"], -1)
	meta.TrackTotal = leadingInt(tags["track_total"], -1)
	meta.DiscNumber = leadingInt(tags["disc"], -1)
	meta.DiscTotal = leadingInt(tags["disc_total"], -1)
	return meta
}

func lowercaseKeys(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// leadingInt parses the leading integer run of s (e.g. "3/12" -> 3),
// returning def if s has no leading digits.
func leadingInt(s string, def int) int {
	end := 0
	if end < len(s) && s[end] == '-' {
		end++
	}
	start := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == start {
		return def
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return def
	}
	return n
}

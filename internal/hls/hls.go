// Package hls knows the rendition ladder produced by the worker image and how
// to read the master playlist it uploads.
package hls

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"path"
	"strings"
)

// MasterName is the file name of the master playlist under a video's output
// prefix.
const MasterName = "master.m3u8"

type Rendition struct {
	Name         string
	Width        int
	Height       int
	VideoBitrate string
	AudioBitrate string
}

// Ladder is the full set of renditions the worker encodes.
var Ladder = []Rendition{
	{Name: "144p", Width: 256, Height: 144, VideoBitrate: "200k", AudioBitrate: "64k"},
	{Name: "360p", Width: 640, Height: 360, VideoBitrate: "800k", AudioBitrate: "96k"},
	{Name: "480p", Width: 854, Height: 480, VideoBitrate: "1400k", AudioBitrate: "128k"},
	{Name: "720p", Width: 1280, Height: 720, VideoBitrate: "2500k", AudioBitrate: "128k"},
	{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: "4500k", AudioBitrate: "192k"},
	{Name: "2K", Width: 2560, Height: 1440, VideoBitrate: "6000k", AudioBitrate: "192k"},
}

// Names returns the rendition names of ladder, in order.
func Names(ladder []Rendition) []string {
	out := make([]string, len(ladder))
	for i, r := range ladder {
		out[i] = r.Name
	}
	return out
}

// Select returns the ladder entries named in names. Unknown names are an
// error.
func Select(names []string) ([]Rendition, error) {
	byName := make(map[string]Rendition, len(Ladder))
	for _, r := range Ladder {
		byName[strings.ToLower(r.Name)] = r
	}
	out := make([]Rendition, 0, len(names))
	for _, n := range names {
		r, ok := byName[strings.ToLower(strings.TrimSpace(n))]
		if !ok {
			return nil, fmt.Errorf("unknown rendition %q", n)
		}
		out = append(out, r)
	}
	return out, nil
}

// MasterKey is the object key of the master playlist for a video.
func MasterKey(videoName string) string {
	return path.Join(videoName, MasterName)
}

// ParseMaster returns the rendition names referenced by a master playlist.
// Variant URIs look like "<name>/index.m3u8"; a bare URI falls back to the
// RESOLUTION attribute of its stream tag.
func ParseMaster(data []byte) ([]string, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	first := true
	var (
		names   []string
		pending string
		inVar   bool
	)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		if first {
			if line != "#EXTM3U" {
				return nil, errors.New("not an m3u8 playlist")
			}
			first = false
			continue
		}
		if strings.HasPrefix(line, "#EXT-X-STREAM-INF:") {
			inVar = true
			pending = resolutionLabel(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			continue
		}
		if strings.HasPrefix(line, "#") || !inVar {
			continue
		}
		name := pending
		if dir := path.Dir(line); dir != "." && dir != "/" {
			name = path.Base(dir)
		}
		if name != "" {
			names = append(names, name)
		}
		inVar, pending = false, ""
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if first {
		return nil, errors.New("empty playlist")
	}
	return names, nil
}

// resolutionLabel turns RESOLUTION=1280x720 into "720p", or the ladder name
// when the size matches one exactly.
func resolutionLabel(attrs string) string {
	for _, attr := range strings.Split(attrs, ",") {
		k, v, ok := strings.Cut(attr, "=")
		if !ok || k != "RESOLUTION" {
			continue
		}
		var w, h int
		if _, err := fmt.Sscanf(v, "%dx%d", &w, &h); err != nil {
			return ""
		}
		for _, r := range Ladder {
			if r.Width == w && r.Height == h {
				return r.Name
			}
		}
		return fmt.Sprintf("%dp", h)
	}
	return ""
}

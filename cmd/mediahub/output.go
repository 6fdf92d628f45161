package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"mediahub-go/internal/types"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// table writes tab separated rows aligned into columns
type table struct {
	tw *tabwriter.Writer
}

func newTable(w io.Writer, header ...string) *table {
	t := &table{tw: tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)}
	t.row(header...)
	return t
}

func (t *table) row(cols ...string) {
	fmt.Fprintln(t.tw, strings.Join(cols, "\t"))
}

func (t *table) flush() error {
	return t.tw.Flush()
}

func printItems(w io.Writer, items []types.MediaItem) error {
	t := newTable(w, "TITLE", "YEAR", "TYPE", "SERVER", "KEY", "SOURCES")
	for _, item := range items {
		year := ""
		if item.Year > 0 {
			year = fmt.Sprint(item.Year)
		}
		title := item.Title
		if item.Type == types.ItemTypeEpisode && item.GrandparentTitle != "" {
			title = item.GrandparentTitle + " - " + title
		}
		t.row(title, year, item.Type, item.ServerID, item.RatingKey, fmt.Sprint(len(item.Sources)))
	}
	return t.flush()
}

func printSources(w io.Writer, sources []types.MediaSource) error {
	t := newTable(w, "SERVER", "KEY", "RESOLUTION", "VIDEO", "AUDIO", "HDR", "LANGUAGES", "SIZE")
	for _, src := range sources {
		server := src.ServerID
		if src.ServerName != "" {
			server = src.ServerName
		}
		hdr := ""
		if src.HDR {
			hdr = "yes"
		}
		t.row(server, src.RatingKey, src.Resolution, src.VideoCodec, src.AudioCodec, hdr,
			strings.Join(src.Languages, ","), formatSize(src.FileSize))
	}
	return t.flush()
}

func formatSize(bytes int64) string {
	const unit = 1024
	if bytes <= 0 {
		return ""
	}
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

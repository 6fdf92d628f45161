package reconcile

import (
	"path"
	"strings"

	"github.com/MunifTanjim/go-ptt"

	"mediahub-go/internal/types"
)

// technicalFacts is what a source exposes about its first media version
type technicalFacts struct {
	resolution string
	videoCodec string
	audioCodec string
	container  string
	hdr        bool
	languages  []string
	fileSize   int64
	bitrate    int
}

// extractFacts reads the first media entry, its first part and that part's
// streams. Fields the server left empty are filled from the file name.
func extractFacts(item types.MediaItem) technicalFacts {
	var facts technicalFacts
	if len(item.Media) == 0 {
		return facts
	}

	media := item.Media[0]
	facts.resolution = normalizeResolution(media.VideoResolution)
	facts.videoCodec = strings.ToLower(media.VideoCodec)
	facts.audioCodec = strings.ToLower(media.AudioCodec)
	facts.container = strings.ToLower(media.Container)
	facts.bitrate = media.Bitrate

	if len(media.Parts) == 0 {
		return facts
	}
	part := media.Parts[0]
	facts.fileSize = part.Size

	seen := make(map[string]bool)
	for _, s := range part.Streams {
		switch s.StreamType {
		case types.StreamTypeVideo:
			if isHDRStream(s) {
				facts.hdr = true
			}
			if facts.videoCodec == "" {
				facts.videoCodec = strings.ToLower(s.Codec)
			}
		case types.StreamTypeAudio:
			if facts.audioCodec == "" {
				facts.audioCodec = strings.ToLower(s.Codec)
			}
			lang := strings.ToLower(s.LanguageCode)
			if lang != "" && !seen[lang] {
				seen[lang] = true
				facts.languages = append(facts.languages, lang)
			}
		}
	}

	if part.File != "" && (facts.resolution == "" || facts.videoCodec == "" || facts.container == "" || !facts.hdr || len(facts.languages) == 0) {
		fillFromFileName(&facts, part.File)
	}
	return facts
}

func fillFromFileName(facts *technicalFacts, file string) {
	name := path.Base(strings.ReplaceAll(file, "\\", "/"))
	parsed := ptt.Parse(name)

	if facts.resolution == "" {
		facts.resolution = normalizeResolution(parsed.Resolution)
	}
	if facts.videoCodec == "" {
		facts.videoCodec = strings.ToLower(parsed.Codec)
	}
	if facts.container == "" {
		facts.container = strings.ToLower(parsed.Container)
	}
	if !facts.hdr && len(parsed.HDR) > 0 {
		facts.hdr = true
	}
	if len(facts.languages) == 0 {
		for _, lang := range parsed.Languages {
			facts.languages = append(facts.languages, strings.ToLower(lang))
		}
	}
}

// isHDRStream detects PQ and HLG transfer functions, or an HDR marker in the
// stream's display title
func isHDRStream(s types.StreamInfo) bool {
	switch strings.ToLower(s.ColorTrc) {
	case "smpte2084", "arib-std-b67":
		return true
	}
	title := strings.ToLower(s.DisplayTitle)
	return strings.Contains(title, "hdr") || strings.Contains(title, "dolby vision") || strings.Contains(title, "dovi")
}

// normalizeResolution maps the server's and file name resolutions onto one
// vocabulary: 4k, 1080, 720, sd
func normalizeResolution(res string) string {
	r := strings.ToLower(strings.TrimSpace(res))
	switch r {
	case "":
		return ""
	case "4k", "2160", "2160p", "uhd":
		return "4k"
	case "1080", "1080p", "1080i":
		return "1080"
	case "720", "720p":
		return "720"
	case "sd", "480", "480p", "576", "576p", "360p", "240p":
		return "sd"
	}
	return r
}

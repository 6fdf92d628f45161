package types

import "time"

// Item types as reported by the remote library API
const (
	ItemTypeMovie   = "movie"
	ItemTypeShow    = "show"
	ItemTypeSeason  = "season"
	ItemTypeEpisode = "episode"
)

// MediaItem is a library entry. Fetched items are local to one server until
// reconciliation promotes one of them to canonical and attaches Sources.
type MediaItem struct {
	ServerID  string `json:"serverId"`
	RatingKey string `json:"ratingKey"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Year      int    `json:"year,omitempty"`
	Summary   string `json:"summary,omitempty"`

	Rating         *float64 `json:"rating,omitempty"`
	AudienceRating *float64 `json:"audienceRating,omitempty"`

	ParentRatingKey      string `json:"parentRatingKey,omitempty"`
	GrandparentRatingKey string `json:"grandparentRatingKey,omitempty"`
	GrandparentTitle     string `json:"grandparentTitle,omitempty"`
	// ParentIndex is the season number of an episode, Index its episode number
	ParentIndex *int `json:"parentIndex,omitempty"`
	Index       *int `json:"index,omitempty"`

	IMDbID string `json:"imdbId,omitempty"`
	TMDbID string `json:"tmdbId,omitempty"`

	Thumb string `json:"thumb,omitempty"`
	Art   string `json:"art,omitempty"`

	AddedAt   int64 `json:"addedAt,omitempty"`
	UpdatedAt int64 `json:"updatedAt,omitempty"`

	Media   []MediaInfo   `json:"media,omitempty"`
	Sources []MediaSource `json:"sources,omitempty"`
}

// UpdatedTime returns UpdatedAt as a time value
func (m *MediaItem) UpdatedTime() time.Time {
	return time.Unix(m.UpdatedAt, 0)
}

// MediaInfo describes one playable version of an item
type MediaInfo struct {
	VideoResolution string     `json:"videoResolution,omitempty"`
	VideoCodec      string     `json:"videoCodec,omitempty"`
	AudioCodec      string     `json:"audioCodec,omitempty"`
	Container       string     `json:"container,omitempty"`
	Bitrate         int        `json:"bitrate,omitempty"`
	Parts           []PartInfo `json:"parts,omitempty"`
}

// PartInfo is one file of a media version
type PartInfo struct {
	Key     string       `json:"key,omitempty"`
	File    string       `json:"file,omitempty"`
	Size    int64        `json:"size,omitempty"`
	Streams []StreamInfo `json:"streams,omitempty"`
}

// Stream types within a part
const (
	StreamTypeVideo    = 1
	StreamTypeAudio    = 2
	StreamTypeSubtitle = 3
)

// StreamInfo is one elementary stream of a part
type StreamInfo struct {
	StreamType   int    `json:"streamType"`
	Codec        string `json:"codec,omitempty"`
	LanguageCode string `json:"languageCode,omitempty"`
	DisplayTitle string `json:"displayTitle,omitempty"`
	ColorTrc     string `json:"colorTrc,omitempty"`
}

// MediaSource is one playable copy of a reconciled item on a specific server
type MediaSource struct {
	ServerID   string   `json:"serverId"`
	ServerName string   `json:"serverName,omitempty"`
	RatingKey  string   `json:"ratingKey"`
	Resolution string   `json:"resolution,omitempty"`
	VideoCodec string   `json:"videoCodec,omitempty"`
	AudioCodec string   `json:"audioCodec,omitempty"`
	Container  string   `json:"container,omitempty"`
	HDR        bool     `json:"hdr"`
	Languages  []string `json:"languages,omitempty"`
	FileSize   int64    `json:"fileSize,omitempty"`
	Bitrate    int      `json:"bitrate,omitempty"`
	ThumbURL   string   `json:"thumbUrl,omitempty"`
	ArtURL     string   `json:"artUrl,omitempty"`
}

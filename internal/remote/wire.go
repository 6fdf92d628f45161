package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"mediahub-go/internal/types"
)

type envelope struct {
	MediaContainer mediaContainer `json:"MediaContainer"`
}

type mediaContainer struct {
	Size      int        `json:"size"`
	TotalSize int        `json:"totalSize"`
	Offset    int        `json:"offset"`
	Metadata  []metadata `json:"Metadata"`
}

type guid struct {
	ID string `json:"id"`
}

type metadata struct {
	RatingKey            string   `json:"ratingKey"`
	ParentRatingKey      string   `json:"parentRatingKey"`
	GrandparentRatingKey string   `json:"grandparentRatingKey"`
	GUID                 string   `json:"guid"`
	Guids                []guid   `json:"Guid"`
	Type                 string   `json:"type"`
	Title                string   `json:"title"`
	GrandparentTitle     string   `json:"grandparentTitle"`
	Summary              string   `json:"summary"`
	Rating               *float64 `json:"rating"`
	AudienceRating       *float64 `json:"audienceRating"`
	Year                 int      `json:"year"`
	Index                *int     `json:"index"`
	ParentIndex          *int     `json:"parentIndex"`
	Thumb                string   `json:"thumb"`
	Art                  string   `json:"art"`
	AddedAt              int64    `json:"addedAt"`
	UpdatedAt            int64    `json:"updatedAt"`
	Media                []media  `json:"Media"`
}

type media struct {
	VideoResolution string `json:"videoResolution"`
	VideoCodec      string `json:"videoCodec"`
	AudioCodec      string `json:"audioCodec"`
	Container       string `json:"container"`
	Bitrate         int    `json:"bitrate"`
	Parts           []part `json:"Part"`
}

type part struct {
	Key     string   `json:"key"`
	File    string   `json:"file"`
	Size    int64    `json:"size"`
	Streams []stream `json:"Stream"`
}

type stream struct {
	StreamType   int    `json:"streamType"`
	Codec        string `json:"codec"`
	LanguageCode string `json:"languageCode"`
	DisplayTitle string `json:"displayTitle"`
	ColorTrc     string `json:"colorTrc"`
}

func decodeContainer(body []byte) (*mediaContainer, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: decode media container: %v", types.ErrDataInconsistency, err)
	}
	return &env.MediaContainer, nil
}

func (c *mediaContainer) items(serverID string) []types.MediaItem {
	items := make([]types.MediaItem, 0, len(c.Metadata))
	for i := range c.Metadata {
		items = append(items, c.Metadata[i].toItem(serverID))
	}
	return items
}

func (m *metadata) toItem(serverID string) types.MediaItem {
	item := types.MediaItem{
		ServerID:             serverID,
		RatingKey:            m.RatingKey,
		Type:                 m.Type,
		Title:                m.Title,
		Year:                 m.Year,
		Summary:              m.Summary,
		Rating:               m.Rating,
		AudienceRating:       m.AudienceRating,
		ParentRatingKey:      m.ParentRatingKey,
		GrandparentRatingKey: m.GrandparentRatingKey,
		GrandparentTitle:     m.GrandparentTitle,
		ParentIndex:          m.ParentIndex,
		Index:                m.Index,
		Thumb:                m.Thumb,
		Art:                  m.Art,
		AddedAt:              m.AddedAt,
		UpdatedAt:            m.UpdatedAt,
	}

	ids := make([]string, 0, len(m.Guids)+1)
	for _, g := range m.Guids {
		ids = append(ids, g.ID)
	}
	ids = append(ids, m.GUID)
	item.IMDbID, item.TMDbID = ParseExternalIDs(ids)

	for _, md := range m.Media {
		info := types.MediaInfo{
			VideoResolution: md.VideoResolution,
			VideoCodec:      md.VideoCodec,
			AudioCodec:      md.AudioCodec,
			Container:       md.Container,
			Bitrate:         md.Bitrate,
		}
		for _, p := range md.Parts {
			pi := types.PartInfo{Key: p.Key, File: p.File, Size: p.Size}
			for _, s := range p.Streams {
				pi.Streams = append(pi.Streams, types.StreamInfo(s))
			}
			info.Parts = append(info.Parts, pi)
		}
		item.Media = append(item.Media, info)
	}
	return item
}

// ParseExternalIDs extracts the IMDb and TMDb ids from guid strings. Both the
// modern "imdb://tt123" form and legacy agent guids such as
// "com.plexapp.agents.imdb://tt123?lang=en" are understood. The first
// occurrence of each wins.
func ParseExternalIDs(guids []string) (imdb, tmdb string) {
	for _, raw := range guids {
		scheme, id, ok := strings.Cut(strings.TrimSpace(raw), "://")
		if !ok || id == "" {
			continue
		}
		if i := strings.IndexAny(id, "?/"); i >= 0 {
			id = id[:i]
		}
		if id == "" {
			continue
		}

		switch {
		case strings.HasSuffix(scheme, "imdb"):
			if imdb == "" && strings.HasPrefix(id, "tt") {
				imdb = id
			}
		case strings.HasSuffix(scheme, "tmdb"), strings.HasSuffix(scheme, "themoviedb"):
			if tmdb == "" {
				tmdb = id
			}
		}
	}
	return imdb, tmdb
}

package reconcile

import (
	"sort"

	"go.uber.org/zap"

	"mediahub-go/internal/types"
)

// BaseURLLookup returns a server's currently cached base URL without racing
type BaseURLLookup interface {
	CachedBaseURL(serverID string) (string, bool)
}

// ImageResolver materializes absolute image URLs
type ImageResolver interface {
	ResolveImageURL(path, baseURL, token string, width, height int) (string, bool)
}

// Options tunes image sizes and display names
type Options struct {
	ThumbWidth  int
	ThumbHeight int
	ArtWidth    int
	ArtHeight   int
	ServerNames map[string]string
}

// Reconciler groups items that represent the same title and promotes one of
// each group to canonical. It performs no I/O of its own.
type Reconciler struct {
	urls   BaseURLLookup
	creds  types.CredentialProvider
	images ImageResolver
	opts   Options
	logger *zap.Logger
}

// New creates a reconciler. Any collaborator may be nil, in which case image
// URLs are left as reported by the server.
func New(urls BaseURLLookup, creds types.CredentialProvider, images ImageResolver, opts Options, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{urls: urls, creds: creds, images: images, opts: opts, logger: logger.Named("reconcile")}
}

// Reconcile returns one item per group, in order of each group's first
// appearance. The canonical item carries the mean of the group's ratings and
// one source per member, canonical first.
func (r *Reconciler) Reconcile(items []types.MediaItem, owned map[string]bool) []types.MediaItem {
	groups := make(map[Key][]types.MediaItem)
	var order []Key
	for _, item := range items {
		key := KeyFor(item)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], item)
	}

	out := make([]types.MediaItem, 0, len(order))
	for _, key := range order {
		out = append(out, r.merge(groups[key], owned))
	}

	r.logger.Debug("Reconciled items",
		zap.Int("input", len(items)),
		zap.Int("groups", len(out)))
	return out
}

func (r *Reconciler) merge(group []types.MediaItem, owned map[string]bool) types.MediaItem {
	members := append([]types.MediaItem(nil), group...)
	sortCanonicalFirst(members, owned)

	canonical := members[0]
	canonical.Rating = meanRating(members, func(m types.MediaItem) *float64 { return m.Rating })
	canonical.AudienceRating = meanRating(members, func(m types.MediaItem) *float64 { return m.AudienceRating })

	canonical.Sources = make([]types.MediaSource, 0, len(members))
	for _, m := range members {
		canonical.Sources = append(canonical.Sources, r.SourceFor(m))
	}
	return canonical
}

// sortCanonicalFirst orders owned servers first, then most recently updated.
// Server id and rating key break remaining ties.
func sortCanonicalFirst(members []types.MediaItem, owned map[string]bool) {
	sort.SliceStable(members, func(i, j int) bool {
		a, b := members[i], members[j]
		if oa, ob := owned[a.ServerID], owned[b.ServerID]; oa != ob {
			return oa
		}
		if a.UpdatedAt != b.UpdatedAt {
			return a.UpdatedAt > b.UpdatedAt
		}
		if a.ServerID != b.ServerID {
			return a.ServerID < b.ServerID
		}
		return a.RatingKey < b.RatingKey
	})
}

func meanRating(members []types.MediaItem, field func(types.MediaItem) *float64) *float64 {
	var sum float64
	var n int
	for _, m := range members {
		if v := field(m); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

// SourceFor describes one item as a playable source, with image URLs
// resolved against the item's own server
func (r *Reconciler) SourceFor(item types.MediaItem) types.MediaSource {
	facts := extractFacts(item)
	src := types.MediaSource{
		ServerID:   item.ServerID,
		ServerName: r.opts.ServerNames[item.ServerID],
		RatingKey:  item.RatingKey,
		Resolution: facts.resolution,
		VideoCodec: facts.videoCodec,
		AudioCodec: facts.audioCodec,
		Container:  facts.container,
		HDR:        facts.hdr,
		Languages:  facts.languages,
		FileSize:   facts.fileSize,
		Bitrate:    facts.bitrate,
		ThumbURL:   item.Thumb,
		ArtURL:     item.Art,
	}

	baseURL, token, ok := r.connection(item.ServerID)
	if !ok {
		return src
	}
	if u, ok := r.images.ResolveImageURL(item.Thumb, baseURL, token, r.opts.ThumbWidth, r.opts.ThumbHeight); ok {
		src.ThumbURL = u
	}
	if u, ok := r.images.ResolveImageURL(item.Art, baseURL, token, r.opts.ArtWidth, r.opts.ArtHeight); ok {
		src.ArtURL = u
	}
	return src
}

// connection returns what image resolution needs for a server. A missing
// token still resolves, a missing base URL does not.
func (r *Reconciler) connection(serverID string) (string, string, bool) {
	if r.urls == nil || r.images == nil {
		return "", "", false
	}
	baseURL, ok := r.urls.CachedBaseURL(serverID)
	if !ok {
		return "", "", false
	}
	var token string
	if r.creds != nil {
		if t, err := r.creds.Token(serverID); err == nil {
			token = t
		}
	}
	return baseURL, token, true
}

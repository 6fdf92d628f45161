package remote

import (
	"net/url"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type imageKey struct {
	path, base, token string
	width, height     int
}

// ImageResolver turns server-relative image paths into absolute, token
// bearing URLs, resized through the server's transcoder when dimensions are
// given. Results are memoized.
type ImageResolver struct {
	cache *lru.Cache[imageKey, string]
}

// NewImageResolver creates a resolver memoizing up to size URLs
func NewImageResolver(size int) (*ImageResolver, error) {
	if size <= 0 {
		size = 1
	}
	cache, err := lru.New[imageKey, string](size)
	if err != nil {
		return nil, err
	}
	return &ImageResolver{cache: cache}, nil
}

// ResolveImageURL returns false when the path is empty or no base URL is
// known. Absolute http(s) paths are returned unchanged.
func (r *ImageResolver) ResolveImageURL(path, baseURL, token string, width, height int) (string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", false
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, true
	}
	if baseURL == "" {
		return "", false
	}

	key := imageKey{path: path, base: baseURL, token: token, width: width, height: height}
	if cached, ok := r.cache.Get(key); ok {
		return cached, true
	}

	base := strings.TrimRight(baseURL, "/")
	var resolved string
	if width > 0 && height > 0 {
		q := url.Values{}
		q.Set("width", strconv.Itoa(width))
		q.Set("height", strconv.Itoa(height))
		q.Set("minSize", "1")
		q.Set("upscale", "1")
		q.Set("url", path)
		if token != "" {
			q.Set(HeaderToken, token)
		}
		resolved = base + "/photo/:/transcode?" + q.Encode()
	} else {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		resolved = base + path
		if token != "" {
			sep := "?"
			if strings.Contains(path, "?") {
				sep = "&"
			}
			resolved += sep + HeaderToken + "=" + url.QueryEscape(token)
		}
	}

	r.cache.Add(key, resolved)
	return resolved, true
}

// Len returns the number of memoized URLs
func (r *ImageResolver) Len() int {
	return r.cache.Len()
}

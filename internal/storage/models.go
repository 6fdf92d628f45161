package storage

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"mediahub-go/internal/types"
)

// Bucket names for bbolt database
const (
	MediaRowsBucket       = "media_rows"
	PageKeysBucket        = "page_keys"
	ConnectionHintsBucket = "connection_hints"
	MetaBucket            = "meta"
)

// Meta keys
const (
	SchemaVersionKey    = "schema"
	ClientIdentifierKey = "client_identifier"
)

// CurrentSchemaVersion is bumped whenever key layout changes
const CurrentSchemaVersion = 1

const keySep = "|"

// viewPrefix encodes a view as printable key prefix. Components are query
// escaped so the separator never appears inside them, and the trailing
// separator keeps "1" from matching "10".
func viewPrefix(view types.ViewKey) []byte {
	v := view.Normalized()
	parts := []string{
		url.QueryEscape(v.ServerID),
		url.QueryEscape(v.LibraryKey),
		url.QueryEscape(v.Filter),
		url.QueryEscape(v.Sort),
	}
	return []byte(strings.Join(parts, keySep) + keySep)
}

// offsetKey appends a zero-padded offset so byte order matches numeric order
func offsetKey(view types.ViewKey, offset int) []byte {
	return append(viewPrefix(view), []byte(fmt.Sprintf("%010d", offset))...)
}

// RowID returns the stable identifier of a cached row
func RowID(view types.ViewKey, offset int) string {
	return string(offsetKey(view, offset))
}

// serverPrefix matches every view of one server
func serverPrefix(serverID string) []byte {
	return []byte(url.QueryEscape(serverID) + keySep)
}

// RowRecord is the stored form of a cached row
type RowRecord struct {
	types.LocalMediaRow
}

// MarshalBinary implements encoding.BinaryMarshaler
func (r *RowRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(r)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (r *RowRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, r)
}

// PageKeyRecord is the stored form of a page-load key
type PageKeyRecord struct {
	types.PageLoadKey
}

// MarshalBinary implements encoding.BinaryMarshaler
func (p *PageKeyRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (p *PageKeyRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, p)
}

// ConnectionHintRecord is the stored last-known-good URL of a server
type ConnectionHintRecord struct {
	ServerID  string    `json:"server_id"`
	URL       string    `json:"url"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler
func (h *ConnectionHintRecord) MarshalBinary() ([]byte, error) {
	return json.Marshal(h)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler
func (h *ConnectionHintRecord) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, h)
}

// PageWrite is everything one successful page load persists
type PageWrite struct {
	View types.ViewKey
	// Refresh clears every row and page key of View before writing
	Refresh bool
	Rows    []types.LocalMediaRow
	Key     types.PageLoadKey
}

// Stats summarizes the store contents
type Stats struct {
	Rows            int `json:"rows"`
	PageKeys        int `json:"page_keys"`
	ConnectionHints int `json:"connection_hints"`
}

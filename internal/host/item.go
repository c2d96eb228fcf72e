// Package host models the content-management host purgectrl coordinates
// caching for. The host owns items and their linkage metadata; purgectrl only
// reads them via the lookup client and reacts to mutation notifications.
package host

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the host-reported publish state of an item. Only "published"
// matters to the coherency core; drafts and everything else never gate and
// never purge.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

// Published reports whether the status denotes a live item.
func (s Status) Published() bool {
	return strings.EqualFold(strings.TrimSpace(string(s)), string(StatusPublished))
}

// ID is the host's opaque item key. Hosts serialize item ids as either JSON
// strings or numbers, so unmarshalling accepts both and keeps the textual
// form.
type ID string

func (id ID) String() string { return string(id) }

// UnmarshalJSON accepts "42" and 42 interchangeably.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.New("host: empty item id")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("host: item id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("host: item id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Item is the read-only view of a content item the coherency core consumes:
// identity, publish state, publish instant (nil when the host does not know
// it), the canonical permalink, and the linkage metadata map.
type Item struct {
	ID          ID                `json:"id"`
	Status      Status            `json:"status"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Permalink   string            `json:"permalink"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Meta returns the trimmed metadata value for key, or "" when unset.
func (i Item) Meta(key string) string {
	return strings.TrimSpace(i.Metadata[key])
}

// Published reports whether the item is live.
func (i Item) Published() bool { return i.Status.Published() }

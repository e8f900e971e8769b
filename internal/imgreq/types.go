package imgreq

import (
	"hash/crc32"

	"imgreq/internal/imagerequest"
)

// imageEntry is the persisted form of a fetched image.
type imageEntry struct {
	URL         string
	ContentType string
	Body        []byte
	StoredAt    int64 // unix seconds
	Hash32      uint32

	// DiscoveredBy is "user" or "sitemap".
	DiscoveredBy string

	// RevalidatedAt is unix nanoseconds (UTC) of the last origin fetch.
	// RevalidatedBy is "user", "expiration", "warmup" or "sitemap".
	RevalidatedAt int64
	RevalidatedBy string
}

func newImageEntry(src, contentType string, body []byte) imageEntry {
	return imageEntry{
		URL:         src,
		ContentType: contentType,
		Body:        body,
		Hash32:      crc32.ChecksumIEEE(body),
	}
}

// size approximates the memory held by the entry.
func (e imageEntry) size() int64 {
	return int64(len(e.Body) + len(e.URL) + len(e.ContentType) + len(e.DiscoveredBy) + len(e.RevalidatedBy) + 32)
}

func (e imageEntry) decode() (*imagerequest.ImageData, error) {
	return imagerequest.Decode(e.URL, e.ContentType, e.Body, true)
}

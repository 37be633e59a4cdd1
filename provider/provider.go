package provider

import (
	"context"
)

// Object is the identity and metadata of one listed source object.
type Object struct {
	Name string

	// Checksum is the base64 encoded MD5 reported by the store, or empty
	// when the store does not know it.
	Checksum string

	Length int64
}

// Page is one page of a paginated listing.
type Page struct {
	Objects []Object

	// NextMarker continues the listing. Empty means the listing is complete.
	NextMarker string
}

// Source is a blob store objects are migrated from.
type Source interface {
	// List returns one page of objects starting at marker. An empty marker
	// starts from the beginning of the listing.
	List(ctx context.Context, marker string, limit int) (Page, error)

	// Fetch returns the full content of the named object. It fails with
	// ErrNotFound when the object no longer exists.
	Fetch(ctx context.Context, name string) ([]byte, error)
}

// Destination is an object store objects are migrated to.
type Destination interface {
	// Put writes content under key. checksum is the base64 MD5 of content
	// and is handed to the store as an integrity check.
	Put(ctx context.Context, key string, content []byte, checksum string) error
}

package persist

import (
	"context"
	"fmt"
	"time"
)

// CollectionMetadata is the flattened marketplace record for an NFT collection,
// keyed by its marketplace slug. Numeric fields default to zero rather than null.
type CollectionMetadata struct {
	Slug              string    `bson:"slug" json:"slug"`
	Name              string    `bson:"name,omitempty" json:"name,omitempty"`
	Description       string    `bson:"description,omitempty" json:"description,omitempty"`
	ImageURL          string    `bson:"imageUrl,omitempty" json:"imageUrl,omitempty"`
	SafelistStatus    string    `bson:"safelistStatus,omitempty" json:"safelistStatus,omitempty"`
	TotalSupply       int64     `bson:"totalSupply" json:"totalSupply"`
	NumOwners         int64     `bson:"numOwners" json:"numOwners"`
	TotalVolume       float64   `bson:"totalVolume" json:"totalVolume"`
	MarketCap         float64   `bson:"marketCap" json:"marketCap"`
	FloorPriceEth     float64   `bson:"floorPriceEth" json:"floorPriceEth"`
	DataLastFetchedAt time.Time `bson:"dataLastFetchedAt,omitempty" json:"dataLastFetchedAt,omitempty"`

	// DBLastUpdatedAt is maintained by the record store on every write and
	// backs the store's 24h TTL expiry.
	DBLastUpdatedAt time.Time `bson:"updatedAt,omitempty" json:"dbLastUpdatedAt,omitempty"`
}

// DefaultCollectionMetadata returns the zero-valued record used when a
// collection cannot be fetched upstream.
func DefaultCollectionMetadata(slug string) CollectionMetadata {
	return CollectionMetadata{Slug: slug}
}

// CollectionRepository persists marketplace collection records with a rolling TTL.
type CollectionRepository interface {
	GetBySlug(context.Context, string) (CollectionMetadata, error)
	Upsert(context.Context, CollectionMetadata) error
}

// ErrCollectionNotFound is returned when no fresh record exists for a slug.
type ErrCollectionNotFound struct {
	Slug string
}

func (e ErrCollectionNotFound) Error() string {
	return fmt.Sprintf("collection not found by slug: %s", e.Slug)
}

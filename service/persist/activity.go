package persist

import (
	"context"
	"fmt"
)

// EventType categorizes an account activity event.
type EventType string

const (
	EventTypeSale     EventType = "sale"
	EventTypeTransfer EventType = "transfer"
	EventTypeCancel   EventType = "cancel"
)

// ActivityEvent is one entry of an account's marketplace timeline. Events are
// unique by (transaction, eventType, nft.identifier).
type ActivityEvent struct {
	EventType   EventType        `bson:"eventType" json:"eventType"`
	CreatedDate int64            `bson:"createdDate" json:"createdDate"` // unix milliseconds
	Transaction string           `bson:"transaction" json:"transaction"`
	Chain       string           `bson:"chain,omitempty" json:"chain,omitempty"`
	Quantity    int              `bson:"quantity" json:"quantity"`
	NFT         ActivityNFT      `bson:"nft" json:"nft"`
	Payment     *ActivityPayment `bson:"payment,omitempty" json:"payment,omitempty"`
	FromAccount ActivityAccount  `bson:"fromAccount" json:"fromAccount"`
	ToAccount   ActivityAccount  `bson:"toAccount" json:"toAccount"`
}

// ActivityNFT identifies the token an event concerns.
type ActivityNFT struct {
	Identifier      string          `bson:"identifier" json:"identifier"`
	Collection      string          `bson:"collection" json:"collection"`
	Contract        EthereumAddress `bson:"contract" json:"contract"`
	Name            string          `bson:"name,omitempty" json:"name,omitempty"`
	DisplayImageURL string          `bson:"displayImageUrl,omitempty" json:"displayImageUrl,omitempty"`
	ImageURL        string          `bson:"imageUrl,omitempty" json:"imageUrl,omitempty"`
}

// ActivityPayment is the payment leg of a sale. Quantity and decimals are kept
// as strings to avoid precision loss on large token amounts.
type ActivityPayment struct {
	Quantity     string          `bson:"quantity" json:"quantity"`
	TokenAddress EthereumAddress `bson:"tokenAddress" json:"tokenAddress"`
	Decimals     string          `bson:"decimalsString" json:"decimalsString"`
	Symbol       string          `bson:"symbol" json:"symbol"`
}

// ActivityAccount is a participant in an event.
type ActivityAccount struct {
	Address EthereumAddress `bson:"address" json:"address"`
	User    string          `bson:"user,omitempty" json:"user,omitempty"`
}

// Valid reports whether the event is complete enough to store: required
// identifiers present, sales carry a complete payment, and quantity is
// non-negative.
func (e ActivityEvent) Valid() bool {
	if e.EventType == "" || e.CreatedDate < 0 || e.Quantity < 0 {
		return false
	}
	if e.NFT.Identifier == "" || e.NFT.Contract.String() == "" || e.NFT.Collection == "" {
		return false
	}
	if e.EventType == EventTypeSale {
		if e.Payment == nil {
			return false
		}
		if e.Payment.Quantity == "" || e.Payment.TokenAddress.String() == "" || e.Payment.Decimals == "" || e.Payment.Symbol == "" {
			return false
		}
	} else if e.Payment != nil {
		return false
	}
	return true
}

// BulkUpsertResult reports how a bulk write landed. Duplicates are writes that
// raced another writer on the same uniqueness key.
type BulkUpsertResult struct {
	Upserted   int64
	Duplicates int64
}

// ActivityRepository persists account timeline events.
type ActivityRepository interface {
	GetLatestByAccount(context.Context, EthereumAddress) (ActivityEvent, error)
	CountByAccount(context.Context, EthereumAddress) (int64, error)
	GetByAccountPaginated(context.Context, EthereumAddress, int64, int64) ([]ActivityEvent, error)
	BulkUpsert(context.Context, []ActivityEvent) (BulkUpsertResult, error)
}

// ErrEventNotFound is returned when an account has no stored events.
type ErrEventNotFound struct {
	Address EthereumAddress
}

func (e ErrEventNotFound) Error() string {
	return fmt.Sprintf("no events found for account: %s", e.Address)
}

package opensea

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

func init() {
	env.RegisterValidation("OPENSEA_API_KEY", "required")
}

var baseURL, _ = url.Parse("https://api.opensea.io/api/v2")

const (
	defaultFetchTimeout  = 15 * time.Second
	defaultNFTTimeout    = 20 * time.Second
	defaultEventsTimeout = 40 * time.Second
	defaultEventPageSize = 50
	nftPageSize          = 200
)

var queriedEventTypes = []string{"sale", "transfer", "cancel"}

// Client is a client for the marketplace v2 API
type Client struct {
	httpClient    *http.Client
	fetchTimeout  time.Duration
	nftTimeout    time.Duration
	eventsTimeout time.Duration
	eventPageSize int
}

// Collection is a collection record from the marketplace API
type Collection struct {
	Collection     string               `json:"collection"`
	Name           string               `json:"name"`
	Description    string               `json:"description"`
	ImageURL       string               `json:"image_url"`
	SafelistStatus string               `json:"safelist_status"`
	TotalSupply    int64                `json:"total_supply"`
	Contracts      []ContractIdentifier `json:"contracts"`
	Stats          Stats                `json:"stats"`
}

// ContractIdentifier identifies a contract backing a collection
type ContractIdentifier struct {
	Address persist.EthereumAddress `json:"address"`
	Chain   string                  `json:"chain"`
}

// Stats are the lifetime stats reported alongside a collection
type Stats struct {
	Total StatsTotal `json:"total"`
}

// StatsTotal is the all-time stats rollup for a collection
type StatsTotal struct {
	Volume    float64 `json:"volume"`
	Sales     int64   `json:"sales"`
	NumOwners int64   `json:"num_owners"`
	MarketCap float64 `json:"market_cap"`
}

// BestListings is a page of a collection's cheapest active listings
type BestListings struct {
	Listings []Listing `json:"listings"`
	Next     string    `json:"next"`
}

// Listing is an active listing from the marketplace API
type Listing struct {
	OrderHash string       `json:"order_hash"`
	Price     ListingPrice `json:"price"`
}

// ListingPrice is the price block of a listing
type ListingPrice struct {
	Current struct {
		Currency string `json:"currency"`
		Decimals int    `json:"decimals"`
		Value    string `json:"value"`
	} `json:"current"`
}

// EventsPage is a page of events from the marketplace API
type EventsPage struct {
	Events []Event `json:"asset_events"`
	Next   string  `json:"next"`
}

// Event is a raw account timeline event from the marketplace API
type Event struct {
	EventType   string                  `json:"event_type"`
	CreatedDate string                  `json:"created_date"`
	Chain       string                  `json:"chain"`
	Transaction string                  `json:"transaction"`
	OrderHash   string                  `json:"order_hash"`
	Quantity    json.Number             `json:"quantity"`
	NFT         NFT                     `json:"nft"`
	Payment     *Payment                `json:"payment"`
	Seller      persist.EthereumAddress `json:"seller"`
	Taker       persist.EthereumAddress `json:"taker"`
	Buyer       persist.EthereumAddress `json:"buyer"`
	FromAccount Account                 `json:"from_account"`
	ToAccount   Account                 `json:"to_account"`
}

// NFT is an NFT from the marketplace API
type NFT struct {
	Identifier      string                  `json:"identifier"`
	Collection      string                  `json:"collection"`
	Contract        persist.EthereumAddress `json:"contract"`
	Name            string                  `json:"name"`
	DisplayImageURL string                  `json:"display_image_url"`
	ImageURL        string                  `json:"image_url"`
}

// NFTsPage is a page of NFTs owned by an account
type NFTsPage struct {
	NFTs []NFT  `json:"nfts"`
	Next string `json:"next"`
}

// Payment is the payment block carried by sale events
type Payment struct {
	Quantity     string                  `json:"quantity"`
	TokenAddress persist.EthereumAddress `json:"token_address"`
	Decimals     *int64                  `json:"decimals"`
	Symbol       string                  `json:"symbol"`
}

// Account is a user account from the marketplace API
type Account struct {
	User    User                    `json:"user"`
	Address persist.EthereumAddress `json:"address"`
}

// User is a user from the marketplace API
type User struct {
	Username string `json:"username"`
}

// AccountProfile is a marketplace user profile
type AccountProfile struct {
	Address         persist.EthereumAddress `json:"address"`
	Username        string                  `json:"username"`
	ProfileImageURL string                  `json:"profile_image_url"`
	Bio             string                  `json:"bio"`
	Website         string                  `json:"website"`
	JoinedDate      string                  `json:"joined_date"`
}

// EventFilteredError is returned when a raw event cannot be mapped onto the
// stored event shape. Filtered events are skipped, not failed.
type EventFilteredError struct {
	Reason string
}

func (e EventFilteredError) Error() string {
	return fmt.Sprintf("event filtered: %s", e.Reason)
}

// NewClient creates a new client for the marketplace v2 API
func NewClient(httpClient *http.Client) *Client {
	c := &Client{
		httpClient:    httpClient,
		fetchTimeout:  defaultFetchTimeout,
		nftTimeout:    defaultNFTTimeout,
		eventsTimeout: defaultEventsTimeout,
		eventPageSize: defaultEventPageSize,
	}
	if ms := env.GetInt("FETCH_TIMEOUT_MS"); ms > 0 {
		c.fetchTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := env.GetInt("FETCH_TIMEOUT_NFT_MS"); ms > 0 {
		c.nftTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms := env.GetInt("FETCH_TIMEOUT_EVENTS_MS"); ms > 0 {
		c.eventsTimeout = time.Duration(ms) * time.Millisecond
	}
	if limit := env.GetInt("OPENSEA_LIMIT"); limit > 0 {
		c.eventPageSize = limit
	}
	return c
}

// GetCollection fetches a collection's metadata and lifetime stats by slug
func (c *Client) GetCollection(ctx context.Context, slug string) (Collection, error) {
	url := baseURL.JoinPath("collections", slug)

	collection := Collection{}
	if err := c.fetch(ctx, url, c.fetchTimeout, &collection); err != nil {
		return Collection{}, err
	}

	if collection.Collection == "" {
		collection.Collection = slug
	}

	return collection, nil
}

// GetBestListings fetches a collection's cheapest active listings. A limit of
// zero requests the upstream default page size.
func (c *Client) GetBestListings(ctx context.Context, slug string, limit int) (BestListings, error) {
	url := baseURL.JoinPath("listings", "collection", slug, "best")
	if limit > 0 {
		query := url.Query()
		query.Set("limit", strconv.Itoa(limit))
		url.RawQuery = query.Encode()
	}

	listings := BestListings{}
	if err := c.fetch(ctx, url, c.fetchTimeout, &listings); err != nil {
		return BestListings{}, err
	}

	return listings, nil
}

// GetEventsByAccount fetches one page of sale, transfer, and cancel events for
// an account on ethereum. The cursor wins over occurredAfter; occurredAfter is
// sent in seconds on the first page only.
func (c *Client) GetEventsByAccount(ctx context.Context, address persist.EthereumAddress, occurredAfter int64, next string) (EventsPage, error) {
	url := baseURL.JoinPath("events", "accounts", address.String())

	query := url.Query()
	for _, eventType := range queriedEventTypes {
		query.Add("event_type", eventType)
	}
	query.Set("chain", "ethereum")
	query.Set("limit", strconv.Itoa(c.eventPageSize))
	if next != "" {
		query.Set("next", next)
	} else if occurredAfter > 0 {
		query.Set("occurred_after", strconv.FormatInt(occurredAfter, 10))
	}
	url.RawQuery = query.Encode()

	page := EventsPage{}
	if err := c.fetch(ctx, url, c.eventsTimeout, &page); err != nil {
		return EventsPage{}, err
	}

	return page, nil
}

// GetNFTsByAccount fetches one page of the NFTs an account owns on ethereum
func (c *Client) GetNFTsByAccount(ctx context.Context, address persist.EthereumAddress, next string) (NFTsPage, error) {
	url := baseURL.JoinPath("chain", "ethereum", "account", address.String(), "nfts")

	query := url.Query()
	query.Set("limit", strconv.Itoa(nftPageSize))
	if next != "" {
		query.Set("next", next)
	}
	url.RawQuery = query.Encode()

	page := NFTsPage{}
	if err := c.fetch(ctx, url, c.nftTimeout, &page); err != nil {
		return NFTsPage{}, err
	}

	return page, nil
}

// GetAccount fetches a marketplace user profile by address
func (c *Client) GetAccount(ctx context.Context, address persist.EthereumAddress) (AccountProfile, error) {
	url := baseURL.JoinPath("accounts", address.String())

	profile := AccountProfile{}
	if err := c.fetch(ctx, url, c.fetchTimeout, &profile); err != nil {
		return AccountProfile{}, err
	}

	return profile, nil
}

func (c *Client) fetch(pCtx context.Context, url *url.URL, timeout time.Duration, into interface{}) error {
	ctx, cancel := context.WithTimeout(pCtx, timeout)
	defer cancel()

	resp, err := c.httpClient.Do(authRequest(ctx, url.String()))
	if err != nil {
		return retry.ErrTransient{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return retry.FromResponse(resp)
	}

	return util.UnmarshalBody(into, resp.Body)
}

// authRequest returns a http.Request with authorization headers
func authRequest(ctx context.Context, url string) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		panic(err)
	}
	req.Header.Set("X-API-KEY", env.GetString("OPENSEA_API_KEY"))
	return req
}

// EthPrice converts the listing's current price into a decimal ETH amount
func (l Listing) EthPrice() float64 {
	value, ok := new(big.Float).SetString(l.Price.Current.Value)
	if !ok {
		return 0
	}
	scale := new(big.Float).SetFloat64(math.Pow10(l.Price.Current.Decimals))
	if scale.Sign() == 0 {
		return 0
	}
	eth, _ := new(big.Float).Quo(value, scale).Float64()
	return eth
}

// EventToActivity maps a raw marketplace event onto the stored event shape.
// Events too incomplete to store come back as an EventFilteredError so
// callers can skip them.
func EventToActivity(event Event) (persist.ActivityEvent, error) {
	eventType := persist.EventType(event.EventType)
	switch eventType {
	case persist.EventTypeSale, persist.EventTypeTransfer, persist.EventTypeCancel:
	default:
		return persist.ActivityEvent{}, EventFilteredError{Reason: fmt.Sprintf("unsupported event type %q", event.EventType)}
	}

	if event.NFT.Identifier == "" || event.NFT.Collection == "" || event.NFT.Contract.String() == "" {
		return persist.ActivityEvent{}, EventFilteredError{Reason: "missing nft identifiers"}
	}

	from, to, ok := eventAccounts(event, eventType)
	if !ok {
		return persist.ActivityEvent{}, EventFilteredError{Reason: "no account addresses"}
	}

	var payment *persist.ActivityPayment
	if eventType == persist.EventTypeSale {
		p := event.Payment
		if p == nil || p.Quantity == "" || p.TokenAddress.String() == "" || p.Decimals == nil || p.Symbol == "" {
			return persist.ActivityEvent{}, EventFilteredError{Reason: "sale event missing payment"}
		}
		payment = &persist.ActivityPayment{
			Quantity:     p.Quantity,
			TokenAddress: persist.EthereumAddress(p.TokenAddress.String()),
			Decimals:     strconv.FormatInt(*p.Decimals, 10),
			Symbol:       p.Symbol,
		}
	}

	transaction := event.Transaction
	if transaction == "" {
		transaction = event.OrderHash
	}

	return persist.ActivityEvent{
		EventType:   eventType,
		CreatedDate: util.ParseTimestampMillis(event.CreatedDate),
		Transaction: transaction,
		Chain:       event.Chain,
		Quantity:    eventQuantity(event, eventType),
		NFT: persist.ActivityNFT{
			Identifier:      event.NFT.Identifier,
			Collection:      event.NFT.Collection,
			Contract:        persist.EthereumAddress(event.NFT.Contract.String()),
			Name:            event.NFT.Name,
			DisplayImageURL: event.NFT.DisplayImageURL,
			ImageURL:        event.NFT.ImageURL,
		},
		Payment:     payment,
		FromAccount: from,
		ToAccount:   to,
	}, nil
}

// eventAccounts picks the from and to accounts for an event. Sales report a
// seller and a taker or buyer; transfers and cancels report account objects.
// When the designated pair is entirely empty the other pair is tried, and any
// remaining empty slot becomes the zero address.
func eventAccounts(event Event, eventType persist.EventType) (persist.ActivityAccount, persist.ActivityAccount, bool) {
	saleFrom := persist.ActivityAccount{Address: persist.EthereumAddress(event.Seller.String())}
	saleTo := persist.ActivityAccount{Address: persist.EthereumAddress(firstNonEmptyAddress(event.Taker, event.Buyer).String())}

	accountFrom := persist.ActivityAccount{
		Address: persist.EthereumAddress(event.FromAccount.Address.String()),
		User:    event.FromAccount.User.Username,
	}
	accountTo := persist.ActivityAccount{
		Address: persist.EthereumAddress(event.ToAccount.Address.String()),
		User:    event.ToAccount.User.Username,
	}

	pairs := [][2]persist.ActivityAccount{{saleFrom, saleTo}, {accountFrom, accountTo}}
	if eventType != persist.EventTypeSale {
		pairs = [][2]persist.ActivityAccount{{accountFrom, accountTo}, {saleFrom, saleTo}}
	}

	for _, pair := range pairs {
		if pair[0].Address.String() == "" && pair[1].Address.String() == "" {
			continue
		}
		from, to := pair[0], pair[1]
		if from.Address.String() == "" {
			from.Address = persist.ZeroAddress
		}
		if to.Address.String() == "" {
			to.Address = persist.ZeroAddress
		}
		return from, to, true
	}

	return persist.ActivityAccount{}, persist.ActivityAccount{}, false
}

// eventQuantity parses the event quantity, defaulting sales to the payment
// quantity and everything else to a single item.
func eventQuantity(event Event, eventType persist.EventType) int {
	if parsed, err := strconv.ParseInt(event.Quantity.String(), 10, 64); err == nil && parsed > 0 {
		return int(parsed)
	}

	if eventType == persist.EventTypeSale && event.Payment != nil {
		if parsed, err := strconv.ParseInt(event.Payment.Quantity, 10, 64); err == nil && parsed > 0 {
			return int(parsed)
		}
		return 0
	}

	return 1
}

func firstNonEmptyAddress(addresses ...persist.EthereumAddress) persist.EthereumAddress {
	for _, address := range addresses {
		if address.String() != "" {
			return address
		}
	}
	return ""
}

// Package eth resolves ENS names against an Ethereum node.
package eth

import (
	"context"
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	ens "github.com/wealdtech/go-ens/v3"

	"github.com/nftfolio/backend/service/persist"
)

var ErrNoResolution = errors.New("no resolution")

// Resolver resolves ENS names in both directions over an RPC client.
type Resolver struct {
	client *ethclient.Client
}

func NewResolver(client *ethclient.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the address a domain points at, or ErrNoResolution when the
// domain is malformed, unregistered, or has no address record.
func (r *Resolver) Resolve(ctx context.Context, name string) (persist.EthereumAddress, error) {
	domain, err := NormalizeDomain(name)
	if err != nil {
		return "", ErrNoResolution
	}

	addr, err := ens.Resolve(r.client, domain)
	if err != nil {
		return "", asResolutionErr(err)
	}
	if addr == (common.Address{}) {
		return "", ErrNoResolution
	}
	return persist.EthereumAddress(addr.Hex()), nil
}

// ReverseResolve returns the domain name for the given address. A reverse
// record only counts when the forward record agrees, so a claimed name that
// does not resolve back to the address is ErrNoResolution.
func (r *Resolver) ReverseResolve(ctx context.Context, address persist.EthereumAddress) (string, error) {
	domain, err := ens.ReverseResolve(r.client, common.HexToAddress(address.String()))
	if err != nil {
		return "", asResolutionErr(err)
	}
	if domain == "" {
		return "", ErrNoResolution
	}

	forward, err := ens.Resolve(r.client, domain)
	if err != nil {
		return "", asResolutionErr(err)
	}
	if !strings.EqualFold(forward.Hex(), address.String()) {
		return "", ErrNoResolution
	}
	return domain, nil
}

// NormalizeDomain converts a domain to its canonical form
func NormalizeDomain(domain string) (string, error) {
	if domain == "" {
		return "", errors.New("empty domain")
	}
	return ens.NormaliseDomain(domain)
}

// asResolutionErr maps the resolver library's unresolved-name errors onto
// ErrNoResolution and passes everything else through.
func asResolutionErr(err error) error {
	msg := err.Error()
	for _, marker := range []string{"not a resolver", "no resolution", "unregistered name", "no address"} {
		if strings.Contains(msg, marker) {
			return ErrNoResolution
		}
	}
	return err
}

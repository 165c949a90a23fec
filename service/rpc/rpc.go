package rpc

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/nftfolio/backend/env"
)

func init() {
	env.RegisterValidation("RPC_URL", "required")
}

const gasPriceTimeout = 10 * time.Second

// GasPriceSource suggests the current gas price in wei. *ethclient.Client
// satisfies it.
type GasPriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// NewEthClient returns an RPC client connected to RPC_URL
func NewEthClient() *ethclient.Client {
	client, err := ethclient.Dial(env.GetString("RPC_URL"))
	if err != nil {
		panic(err)
	}
	return client
}

// GetGasPrice returns the node's suggested gas price in wei
func GetGasPrice(ctx context.Context, source GasPriceSource) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, gasPriceTimeout)
	defer cancel()
	return source.SuggestGasPrice(ctx)
}

// WeiToGwei converts an amount in wei to a decimal gwei amount
func WeiToGwei(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	gwei, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e9)).Float64()
	return gwei
}

// WeiToEther converts an amount in wei to a decimal ETH amount
func WeiToEther(wei *big.Int) float64 {
	if wei == nil {
		return 0
	}
	eth, _ := new(big.Float).Quo(new(big.Float).SetInt(wei), big.NewFloat(1e18)).Float64()
	return eth
}

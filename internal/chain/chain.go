// Package chain fetches deployed bytecode from a Fluent RPC endpoint.
package chain

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"

	"fluentbuilder/internal/core"
)

// Network is an RPC endpoint and the chain id it must report.
type Network struct {
	Name    string
	RPCURL  string
	ChainID uint64
}

var presets = map[string]Network{
	"local":      {Name: "local", RPCURL: "http://localhost:8545", ChainID: 1337},
	"fluent-dev": {Name: "fluent-dev", RPCURL: "https://rpc.dev.gblend.xyz", ChainID: 20993},
}

// DefaultNetwork is used when neither a preset nor an RPC URL is given.
const DefaultNetwork = "fluent-dev"

// DefaultTimeout bounds a single RPC round trip.
const DefaultTimeout = 30 * time.Second

// Presets returns the preset names in sorted order.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveNetwork picks the endpoint for a verification. A custom rpcURL
// requires chainID; otherwise name selects a preset.
func ResolveNetwork(name, rpcURL string, chainID uint64) (Network, error) {
	if rpcURL != "" {
		if chainID == 0 {
			return Network{}, core.Failf(core.StageConfig, core.ErrConfigInvalid, "--rpc requires --chain-id")
		}
		return Network{Name: "custom", RPCURL: rpcURL, ChainID: chainID}, nil
	}
	if name == "" {
		name = DefaultNetwork
	}
	n, ok := presets[strings.ToLower(name)]
	if !ok {
		return Network{}, core.Failf(core.StageConfig, core.ErrConfigInvalid, "unknown network %q (known: %s)", name, strings.Join(Presets(), ", "))
	}
	if chainID != 0 && chainID != n.ChainID {
		return Network{}, core.Failf(core.StageConfig, core.ErrConfigInvalid, "network %s has chain id %d, not %d", n.Name, n.ChainID, chainID)
	}
	return n, nil
}

// ValidateAddress checks that s is a 20-byte hex address.
func ValidateAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, core.Failf(core.StageConfig, core.ErrConfigInvalid, "invalid contract address %q", s)
	}
	return common.HexToAddress(s), nil
}

// Client reads contract code over JSON-RPC.
type Client struct {
	Network Network
	Logger  zerolog.Logger

	eth *ethclient.Client
}

// Dial connects to n. HTTP endpoints connect lazily, so transport errors
// surface on the first call.
func Dial(ctx context.Context, n Network, timeout time.Duration, logger zerolog.Logger) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rc, err := rpc.DialOptions(ctx, n.RPCURL, rpc.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return nil, core.Wrap(core.StageReference, core.ErrNetwork, err, "dialing %s", n.RPCURL)
	}
	return &Client{Network: n, Logger: logger, eth: ethclient.NewClient(rc)}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Code returns the latest code at address after checking the endpoint
// serves the expected chain.
func (c *Client) Code(ctx context.Context, address string) ([]byte, error) {
	addr, err := ValidateAddress(address)
	if err != nil {
		return nil, err
	}
	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, core.Wrap(core.StageReference, core.ErrNetwork, err, "eth_chainId on %s", c.Network.RPCURL)
	}
	if !id.IsUint64() || id.Uint64() != c.Network.ChainID {
		return nil, core.Failf(core.StageReference, core.ErrNetwork, "%s reports chain id %s, expected %d", c.Network.RPCURL, id, c.Network.ChainID)
	}
	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, core.Wrap(core.StageReference, core.ErrNetwork, err, "eth_getCode %s", addr.Hex())
	}
	if len(code) == 0 {
		return nil, core.Failf(core.StageReference, core.ErrNetwork, "no code deployed at %s on %s", addr.Hex(), c.Network.Name)
	}
	c.Logger.Debug().
		Str("stage", string(core.StageReference)).
		Str("address", addr.Hex()).
		Int("code_size", len(code)).
		Msg("fetched deployed code")
	return code, nil
}

// CodeHash returns the SHA-256 of the code at address.
func (c *Client) CodeHash(ctx context.Context, address string) (string, error) {
	code, err := c.Code(ctx, address)
	if err != nil {
		return "", err
	}
	return core.HashBytes(code), nil
}

func (n Network) String() string {
	return fmt.Sprintf("%s (%s, chain %d)", n.Name, n.RPCURL, n.ChainID)
}

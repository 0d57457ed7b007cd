package api

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"polymarket-copytrader/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const (
	// Public Polygon RPC endpoint (free, no API key needed, but slower)
	DefaultPolygonRPC = "https://polygon-rpc.com"
	// DefaultCTFAddress is the Conditional Tokens contract on Polygon.
	DefaultCTFAddress = "0x4D97DCd97eC945f40cF65F87097ACe5EA0476045"
)

const ctfABI = `[
	{"name":"payoutDenominator","type":"function","stateMutability":"view",
	 "inputs":[{"name":"conditionId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"payoutNumerators","type":"function","stateMutability":"view",
	 "inputs":[{"name":"conditionId","type":"bytes32"},{"name":"index","type":"uint256"}],"outputs":[{"name":"","type":"uint256"}]},
	{"name":"getOutcomeSlotCount","type":"function","stateMutability":"view",
	 "inputs":[{"name":"conditionId","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
]`

var transferSingleTopic = crypto.Keccak256Hash([]byte("TransferSingle(address,address,address,uint256,uint256)"))

// ethBackend is the subset of ethclient.Client the chain client needs.
type ethBackend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

// ChainClient reads CTF settlement payouts and transfer logs over Polygon RPC.
type ChainClient struct {
	backend ethBackend
	ctf     common.Address
	abi     abi.ABI
}

var (
	_ SettlementReader = (*ChainClient)(nil)
	_ TransferSource   = (*ChainClient)(nil)
)

// DialChain connects to rpcURL.
func DialChain(ctx context.Context, rpcURL, ctfAddress string) (*ChainClient, error) {
	if rpcURL == "" {
		rpcURL = DefaultPolygonRPC
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial polygon rpc: %w", err)
	}
	return newChainClient(client, ctfAddress)
}

func newChainClient(backend ethBackend, ctfAddress string) (*ChainClient, error) {
	if ctfAddress == "" {
		ctfAddress = DefaultCTFAddress
	}
	parsed, err := abi.JSON(strings.NewReader(ctfABI))
	if err != nil {
		return nil, fmt.Errorf("parse ctf abi: %w", err)
	}
	return &ChainClient{backend: backend, ctf: common.HexToAddress(ctfAddress), abi: parsed}, nil
}

// Close releases the RPC connection.
func (c *ChainClient) Close() {
	c.backend.Close()
}

func (c *ChainClient) callUint(ctx context.Context, method string, args ...interface{}) (*big.Int, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &c.ctf, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %v: %w", method, err, models.ErrTransient)
	}
	values, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("unpack %s: %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unpack %s: unexpected %T", method, values[0])
	}
	return v, nil
}

// GetSettlement returns the payout vector for a condition, or ErrUnsettled.
func (c *ChainClient) GetSettlement(ctx context.Context, marketID string) (*Settlement, error) {
	condition := common.HexToHash(marketID)

	denominator, err := c.callUint(ctx, "payoutDenominator", condition)
	if err != nil {
		return nil, err
	}
	if denominator.Sign() == 0 {
		return nil, ErrUnsettled
	}

	slots, err := c.callUint(ctx, "getOutcomeSlotCount", condition)
	if err != nil {
		return nil, err
	}

	s := &Settlement{Denominator: decimal.NewFromBigInt(denominator, 0)}
	for i := int64(0); i < slots.Int64(); i++ {
		n, err := c.callUint(ctx, "payoutNumerators", condition, big.NewInt(i))
		if err != nil {
			return nil, err
		}
		s.Payouts = append(s.Payouts, decimal.NewFromBigInt(n, 0))
	}
	return s, nil
}

// HeadBlock returns the latest block number.
func (c *ChainClient) HeadBlock(ctx context.Context) (uint64, error) {
	n, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %v: %w", err, models.ErrTransient)
	}
	return n, nil
}

// TransfersFrom lists TransferSingle events sent by any address in from.
// Burns (to the zero address) are excluded.
func (c *ChainClient) TransfersFrom(ctx context.Context, from []string, fromBlock, toBlock uint64) ([]Transfer, error) {
	if len(from) == 0 || toBlock < fromBlock {
		return nil, nil
	}
	senders := make([]common.Hash, 0, len(from))
	for _, addr := range from {
		senders = append(senders, common.BytesToHash(common.HexToAddress(addr).Bytes()))
	}

	logs, err := c.backend.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{c.ctf},
		Topics:    [][]common.Hash{{transferSingleTopic}, nil, senders},
	})
	if err != nil {
		return nil, fmt.Errorf("filter transfer logs: %v: %w", err, models.ErrTransient)
	}

	var out []Transfer
	for _, l := range logs {
		t, ok := decodeTransferSingle(l)
		if !ok || t.To == strings.ToLower(common.Address{}.Hex()) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeTransferSingle(l types.Log) (Transfer, bool) {
	if len(l.Topics) != 4 || l.Topics[0] != transferSingleTopic || len(l.Data) != 64 || l.Removed {
		return Transfer{}, false
	}
	id := new(big.Int).SetBytes(l.Data[:32])
	value := new(big.Int).SetBytes(l.Data[32:])
	return Transfer{
		From:        strings.ToLower(common.BytesToAddress(l.Topics[2].Bytes()).Hex()),
		To:          strings.ToLower(common.BytesToAddress(l.Topics[3].Bytes()).Hex()),
		TokenID:     id.String(),
		Amount:      FormatUnits(value),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		LogIndex:    l.Index,
	}, true
}

// Package contractclient wraps a single on-chain contract (address + ABI)
// behind a small, uniform interface so the rest of the keeper never touches
// go-ethereum's abi.ABI or bind.BoundContract directly.
package contractclient

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// SendKind tags a Send call. Send does not branch on it: the gas limit is
// estimated when the gasLimit pointer is nil and taken as given otherwise.
type SendKind int

const (
	// Standard is the only SendKind.
	Standard SendKind = iota
)

// Backend is the subset of *ethclient.Client the contract client needs; an
// interface so tests can substitute a mock transport.
type Backend interface {
	bind.ContractBackend
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// ContractClient is the uniform surface the keeper calls for any deployed
// contract: token, router, quoter, bridge, portal, etc.
type ContractClient interface {
	// Call performs a read-only contract call and returns the ABI-decoded
	// outputs in declaration order.
	Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error)
	// Send encodes and dispatches a state-changing transaction signed by
	// privateKey at the given nonce, returning its hash once broadcast
	// (not confirmed). nonce is the caller's responsibility to allocate —
	// typically via a shared nonce.Manager — so that two Send calls in
	// flight for the same sender never race for the same on-chain slot.
	Send(kind SendKind, gasLimit *uint64, from *common.Address, privateKey *ecdsa.PrivateKey, nonce uint64, method string, args ...interface{}) (common.Hash, error)
	// Simulate performs the same encode as Send but as an eth_call from
	// `from`, surfacing reverts before a real transaction is built.
	Simulate(from common.Address, method string, args ...interface{}) error
	// ContractAddress returns the address this client is bound to.
	ContractAddress() common.Address
	// Abi exposes the parsed ABI for callers that need to hand-encode
	// (e.g. building multicall payloads).
	Abi() *abi.ABI
	// TransactionData fetches the calldata of a previously broadcast tx.
	TransactionData(hash common.Hash) ([]byte, error)
	// ParseReceipt decodes every log in receipt that matches one of this
	// contract's events into a JSON array of {EventName, Parameter}.
	ParseReceipt(receipt *types.Receipt) (string, error)
}

type client struct {
	backend Backend
	addr    common.Address
	abi     *abi.ABI
}

// NewContractClient binds addr+abiDef to backend.
func NewContractClient(backend Backend, addr common.Address, abiDef *abi.ABI) ContractClient {
	return &client{backend: backend, addr: addr, abi: abiDef}
}

func (c *client) ContractAddress() common.Address { return c.addr }

func (c *client) Abi() *abi.ABI { return c.abi }

func (c *client) Call(from *common.Address, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{To: &c.addr, Data: data}
	if from != nil {
		msg.From = *from
	}
	out, err := c.backend.CallContract(context.Background(), msg, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := c.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}

func (c *client) Simulate(from common.Address, method string, args ...interface{}) error {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: from, To: &c.addr, Data: data}
	if _, err := c.backend.CallContract(context.Background(), msg, nil); err != nil {
		return fmt.Errorf("simulation reverted for %s: %w", method, err)
	}
	return nil
}

func (c *client) Send(kind SendKind, gasLimit *uint64, from *common.Address, privateKey *ecdsa.PrivateKey, nonce uint64, method string, args ...interface{}) (common.Hash, error) {
	ctx := context.Background()

	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("pack %s: %w", method, err)
	}

	sender := crypto.PubkeyToAddress(privateKey.PublicKey)
	if from != nil {
		sender = *from
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("suggest gas price for %s: %w", method, err)
	}

	limit := uint64(0)
	if gasLimit != nil {
		limit = *gasLimit
	} else {
		msg := ethereum.CallMsg{From: sender, To: &c.addr, Data: data}
		estimated, err := c.backend.EstimateGas(ctx, msg)
		if err != nil {
			return common.Hash{}, fmt.Errorf("estimate gas for %s: %w", method, err)
		}
		limit = estimated + estimated/5 // 20% headroom, matches the teacher's automatic-estimation path
	}

	chainID, err := c.backend.ChainID(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("fetch chain id for %s: %w", method, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.addr,
		Value:    big.NewInt(0),
		Gas:      limit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signer := types.LatestSignerForChainID(chainID)
	signedTx, err := types.SignTx(tx, signer, privateKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("sign tx for %s: %w", method, err)
	}

	if err := c.backend.SendTransaction(ctx, signedTx); err != nil {
		return common.Hash{}, fmt.Errorf("broadcast tx for %s: %w", method, err)
	}

	return signedTx.Hash(), nil
}

func (c *client) TransactionData(hash common.Hash) ([]byte, error) {
	tx, _, err := c.backend.TransactionByHash(context.Background(), hash)
	if err != nil {
		return nil, fmt.Errorf("fetch tx %s: %w", hash, err)
	}
	return tx.Data(), nil
}

func (c *client) ParseReceipt(receipt *types.Receipt) (string, error) {
	type decodedEvent struct {
		EventName string                 `json:"EventName"`
		Parameter map[string]interface{} `json:"Parameter"`
	}
	var events []decodedEvent
	for _, lg := range receipt.Logs {
		if lg.Address != c.addr || len(lg.Topics) == 0 {
			continue
		}
		ev, err := c.abi.EventByID(lg.Topics[0])
		if err != nil {
			continue // not one of ours
		}
		params := make(map[string]interface{})
		if err := c.abi.UnpackIntoMap(params, ev.Name, lg.Data); err != nil {
			continue
		}
		// indexed args live in Topics[1:]; decode them positionally.
		indexed := 1
		for _, input := range ev.Inputs {
			if !input.Indexed {
				continue
			}
			if indexed < len(lg.Topics) {
				params[input.Name] = topicToValue(input, lg.Topics[indexed])
				indexed++
			}
		}
		events = append(events, decodedEvent{EventName: ev.Name, Parameter: params})
	}
	out, err := json.Marshal(events)
	if err != nil {
		return "", fmt.Errorf("marshal parsed receipt: %w", err)
	}
	return string(out), nil
}

func topicToValue(arg abi.Argument, topic common.Hash) interface{} {
	switch arg.Type.T {
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes()).Hex()
	case abi.UintTy, abi.IntTy:
		return new(big.Int).SetBytes(topic.Bytes())
	default:
		return topic.Hex()
	}
}

// DecodeTransaction decodes raw calldata against abiDef, returning the
// matched method name and its ABI-decoded arguments.
func DecodeTransaction(abiDef *abi.ABI, data []byte) (string, map[string]interface{}, error) {
	if len(data) < 4 {
		return "", nil, fmt.Errorf("calldata too short: %d bytes", len(data))
	}
	method, err := abiDef.MethodById(data[:4])
	if err != nil {
		return "", nil, fmt.Errorf("no method matches selector 0x%x: %w", data[:4], err)
	}
	args := make(map[string]interface{})
	if err := method.Inputs.UnpackIntoMap(args, data[4:]); err != nil {
		return "", nil, fmt.Errorf("unpack args for %s: %w", method.Name, err)
	}
	return method.Name, args, nil
}

package simulator

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"github.com/chainclaw/chainclaw/types"
)

// RPCBackend simulates bundles through a node's eth_simulateV1 endpoint.
type RPCBackend struct {
	client *gethrpc.Client
}

// DialRPCBackend connects to a simulation-capable RPC endpoint.
func DialRPCBackend(url string) (*RPCBackend, error) {
	client, err := gethrpc.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing simulation endpoint: %w", err)
	}
	return &RPCBackend{client: client}, nil
}

// Close releases the RPC connection.
func (b *RPCBackend) Close() {
	b.client.Close()
}

// simCall is the eth_simulateV1 call object.
type simCall struct {
	From  string `json:"from"`
	To    string `json:"to,omitempty"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
	Gas   string `json:"gas,omitempty"`
}

type simBlock struct {
	Calls []simCall `json:"calls"`
}

type simRequest struct {
	BlockStateCalls        []simBlock `json:"blockStateCalls"`
	TraceTransfers         bool       `json:"traceTransfers"`
	Validation             bool       `json:"validation"`
	ReturnFullTransactions bool       `json:"returnFullTransactions"`
}

type simCallResult struct {
	Status  hexutil.Uint64 `json:"status"`
	GasUsed hexutil.Uint64 `json:"gasUsed"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Logs []struct {
		Address string   `json:"address"`
		Topics  []string `json:"topics"`
		Data    string   `json:"data"`
	} `json:"logs,omitempty"`
}

type simBlockResult struct {
	Calls []simCallResult `json:"calls"`
}

// SimulateBundle implements Backend over eth_simulateV1.
func (b *RPCBackend) SimulateBundle(ctx context.Context, txs []*types.TransactionRequest) ([]*types.SimulationResult, error) {
	calls := make([]simCall, len(txs))
	for i, tx := range txs {
		call := simCall{From: tx.From.Hex()}
		if tx.To != nil {
			call.To = tx.To.Hex()
		}
		if tx.Value().Sign() > 0 {
			call.Value = hexutil.EncodeBig(tx.Value())
		}
		if len(tx.Data) > 0 {
			call.Data = hexutil.Encode(tx.Data)
		}
		if tx.GasLimit > 0 {
			call.Gas = hexutil.EncodeUint64(tx.GasLimit)
		}
		calls[i] = call
	}

	var blocks []simBlockResult
	err := b.client.CallContext(ctx, &blocks, "eth_simulateV1",
		simRequest{BlockStateCalls: []simBlock{{Calls: calls}}, TraceTransfers: true}, "latest")
	if err != nil {
		return nil, fmt.Errorf("eth_simulateV1: %w", err)
	}
	if len(blocks) == 0 || len(blocks[0].Calls) != len(txs) {
		return nil, fmt.Errorf("eth_simulateV1 returned %d blocks", len(blocks))
	}

	results := make([]*types.SimulationResult, len(txs))
	for i, call := range blocks[0].Calls {
		res := &types.SimulationResult{
			Success:     call.Status == 1,
			GasEstimate: uint64(call.GasUsed),
		}
		if call.Error != nil {
			res.Error = call.Error.Message
		}
		if res.Success && txs[i].Value().Sign() > 0 {
			res.BalanceChanges = append(res.BalanceChanges, types.BalanceChange{
				Token:     nativeToken,
				Amount:    new(big.Int).Set(txs[i].Value()).String(),
				Direction: types.BalanceOut,
			})
		}
		results[i] = res
	}
	return results, nil
}

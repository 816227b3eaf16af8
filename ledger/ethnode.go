package ledger

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const receiptPollInterval = 2 * time.Second

// EthNode implements Node over a JSON-RPC endpoint of an EVM node.
type EthNode struct {
	client  *ethclient.Client
	chainID *big.Int
}

func NewEthNode(ctx context.Context, rpcURL string) (*EthNode, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, Wrap(KindInternal, err, "dial ledger node")
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, Wrap(KindInternal, err, "query chain id")
	}
	return &EthNode{client: client, chainID: chainID}, nil
}

func (n *EthNode) TransactionByRef(ctx context.Context, txRef string) (*Tx, error) {
	tx, pending, err := n.client.TransactionByHash(ctx, common.HexToHash(txRef))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, E(KindNotFound, "transaction %s not found", txRef)
		}
		return nil, Wrap(KindInternal, err, "fetch transaction")
	}

	from, err := types.Sender(types.LatestSignerForChainID(n.chainID), tx)
	if err != nil {
		return nil, Wrap(KindInternal, err, "recover transaction sender")
	}

	out := &Tx{
		Hash:    tx.Hash().Hex(),
		From:    from.Hex(),
		Value:   tx.Value(),
		Pending: pending,
	}
	if to := tx.To(); to != nil {
		out.To = to.Hex()
	}
	return out, nil
}

// WaitReceipt polls until the inclusion receipt is available or ctx expires.
func (n *EthNode) WaitReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	hash := common.HexToHash(txRef)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := n.client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &Receipt{
				TxHash:      receipt.TxHash.Hex(),
				Success:     receipt.Status == types.ReceiptStatusSuccessful,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, Wrap(KindInternal, err, "fetch receipt")
		}

		select {
		case <-ctx.Done():
			return nil, E(KindTimeout, "no receipt for %s within bound", txRef)
		case <-ticker.C:
		}
	}
}

func (n *EthNode) PendingNonce(ctx context.Context, account string) (uint64, error) {
	nonce, err := n.client.PendingNonceAt(ctx, common.HexToAddress(account))
	if err != nil {
		return 0, Wrap(KindInternal, err, "query pending nonce")
	}
	return nonce, nil
}

func (n *EthNode) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	price, err := n.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, Wrap(KindInternal, err, "suggest gas price")
	}
	return price, nil
}

func (n *EthNode) ChainID(ctx context.Context) (*big.Int, error) {
	return n.chainID, nil
}

func (n *EthNode) SendTransaction(ctx context.Context, signed *types.Transaction) error {
	if err := n.client.SendTransaction(ctx, signed); err != nil {
		return Wrap(classifySubmitError(err), err, "send transaction")
	}
	return nil
}

package ledger

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/core/types"
)

// Tx is the node-agnostic view of a ledger transaction. Hashes and addresses
// are opaque hex strings; comparisons are case-insensitive.
type Tx struct {
	Hash    string
	From    string
	To      string // empty for contract creation
	Value   *big.Int
	Pending bool
}

// Receipt is the inclusion record for a submitted transaction.
type Receipt struct {
	TxHash      string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
}

// Node is the narrow query/submit surface of a ledger RPC endpoint. All
// methods block with the caller's context bounding the wait.
type Node interface {
	TransactionByRef(ctx context.Context, txRef string) (*Tx, error)
	WaitReceipt(ctx context.Context, txRef string) (*Receipt, error)
	PendingNonce(ctx context.Context, account string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, signed *types.Transaction) error
}

package ledger

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/core/types"
)

const testContract = "0x00000000000000000000000000000000000c4a47"

type fakeNode struct {
	txs      map[string]*Tx
	receipts map[string]*Receipt
	nonce    uint64
	gasPrice *big.Int
	chainID  *big.Int
	sendErr  error
	sent     []*types.Transaction

	// receipt handed out for transactions submitted through SendTransaction
	sentReceipt *Receipt
}

func newFakeNode() *fakeNode {
	return &fakeNode{
		txs:      make(map[string]*Tx),
		receipts: make(map[string]*Receipt),
		gasPrice: big.NewInt(1_000_000_000),
		chainID:  big.NewInt(1337),
	}
}

func (n *fakeNode) TransactionByRef(ctx context.Context, txRef string) (*Tx, error) {
	tx, ok := n.txs[txRef]
	if !ok {
		return nil, E(KindNotFound, "transaction %s not found", txRef)
	}
	return tx, nil
}

func (n *fakeNode) WaitReceipt(ctx context.Context, txRef string) (*Receipt, error) {
	if r, ok := n.receipts[txRef]; ok {
		return r, nil
	}
	if n.sentReceipt != nil {
		return n.sentReceipt, nil
	}
	return nil, E(KindTimeout, "no receipt for %s", txRef)
}

func (n *fakeNode) PendingNonce(ctx context.Context, account string) (uint64, error) {
	return n.nonce, nil
}

func (n *fakeNode) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return n.gasPrice, nil
}

func (n *fakeNode) ChainID(ctx context.Context) (*big.Int, error) {
	return n.chainID, nil
}

func (n *fakeNode) SendTransaction(ctx context.Context, signed *types.Transaction) error {
	if n.sendErr != nil {
		return Wrap(classifySubmitError(n.sendErr), n.sendErr, "send transaction")
	}
	n.sent = append(n.sent, signed)
	n.nonce++
	return nil
}

func TestVerifyAcceptsMatchingTransaction(t *testing.T) {
	node := newFakeNode()
	node.txs["0xabc"] = &Tx{Hash: "0xabc", From: "0xA11CE", To: testContract}
	node.receipts["0xabc"] = &Receipt{TxHash: "0xabc", Success: true, BlockNumber: 7}

	v := NewVerifier(node)
	if err := v.Verify(context.Background(), "0xabc", "0xa11ce", testContract); err != nil {
		t.Fatalf("expected verification to pass, got %v", err)
	}
}

func TestVerifyUnknownTransaction(t *testing.T) {
	v := NewVerifier(newFakeNode())
	err := v.Verify(context.Background(), "0xmissing", "0xa11ce", testContract)
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestVerifyRevertedTransaction(t *testing.T) {
	node := newFakeNode()
	node.txs["0xabc"] = &Tx{Hash: "0xabc", From: "0xA11CE", To: testContract}
	node.receipts["0xabc"] = &Receipt{TxHash: "0xabc", Success: false}

	v := NewVerifier(node)
	err := v.Verify(context.Background(), "0xabc", "0xa11ce", testContract)
	if KindOf(err) != KindExecutionFailed {
		t.Fatalf("expected execution_failed, got %v", err)
	}
}

func TestVerifySenderMismatch(t *testing.T) {
	node := newFakeNode()
	node.txs["0xabc"] = &Tx{Hash: "0xabc", From: "0xB0B", To: testContract}
	node.receipts["0xabc"] = &Receipt{TxHash: "0xabc", Success: true}

	v := NewVerifier(node)
	err := v.Verify(context.Background(), "0xabc", "0xa11ce", testContract)
	if KindOf(err) != KindSenderMismatch {
		t.Fatalf("expected sender_mismatch, got %v", err)
	}
}

func TestVerifyWrongTarget(t *testing.T) {
	node := newFakeNode()
	node.txs["0xabc"] = &Tx{Hash: "0xabc", From: "0xA11CE", To: "0xdeadbeef"}
	node.receipts["0xabc"] = &Receipt{TxHash: "0xabc", Success: true}

	v := NewVerifier(node)
	err := v.Verify(context.Background(), "0xabc", "0xa11ce", testContract)
	if KindOf(err) != KindWrongTarget {
		t.Fatalf("expected wrong_target, got %v", err)
	}
}

func TestVerifyEmptyContractSkipsTargetCheck(t *testing.T) {
	node := newFakeNode()
	node.txs["0xabc"] = &Tx{Hash: "0xabc", From: "0xA11CE", To: "0xanybody"}
	node.receipts["0xabc"] = &Receipt{TxHash: "0xabc", Success: true}

	v := NewVerifier(node)
	if err := v.Verify(context.Background(), "0xabc", "0xA11CE", ""); err != nil {
		t.Fatalf("expected pass with empty contract, got %v", err)
	}
}

package ledger

import (
	"context"
	"strings"
)

// Verifier confirms that a client-reported transaction exists, succeeded and
// was really issued by the identity claiming credit for it. It is read-only
// and idempotent; callers are free to retry.
type Verifier struct {
	node Node
}

func NewVerifier(node Node) *Verifier {
	return &Verifier{node: node}
}

// Verify checks txRef against the ledger. expectedContract may be empty for
// plain value transfers; when set, a succeeding transaction sent to any other
// destination is rejected, which defends against replaying an unrelated
// successful transaction as proof of a chat action.
func (v *Verifier) Verify(ctx context.Context, txRef, expectedSender, expectedContract string) error {
	tx, err := v.node.TransactionByRef(ctx, txRef)
	if err != nil {
		return err
	}

	receipt, err := v.node.WaitReceipt(ctx, txRef)
	if err != nil {
		return err
	}
	if !receipt.Success {
		return E(KindExecutionFailed, "transaction %s reverted", txRef)
	}

	if expectedContract != "" && !strings.EqualFold(tx.To, expectedContract) {
		return E(KindWrongTarget, "transaction %s targets %s, expected %s", txRef, tx.To, expectedContract)
	}

	// Ledger addresses are self-reported by clients; this comparison is what
	// binds the transaction to the authenticated identity.
	if !strings.EqualFold(tx.From, expectedSender) {
		return E(KindSenderMismatch, "transaction %s sent by %s, expected %s", txRef, tx.From, expectedSender)
	}

	return nil
}

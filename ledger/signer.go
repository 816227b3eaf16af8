package ledger

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Action names a chat-contract method the relay can execute on a user's
// behalf.
type Action string

const (
	ActionSendMessage        Action = "sendMessage"
	ActionInitiateCall       Action = "initiateCall"
	ActionPostStatus         Action = "postStatus"
	ActionCreateConversation Action = "createConversation"
)

const chatContractABI = `[
	{"name":"sendMessage","type":"function","inputs":[{"name":"to","type":"address"},{"name":"contentRef","type":"string"}],"outputs":[]},
	{"name":"initiateCall","type":"function","inputs":[{"name":"receiver","type":"address"},{"name":"callType","type":"uint8"}],"outputs":[]},
	{"name":"postStatus","type":"function","inputs":[{"name":"contentRef","type":"string"}],"outputs":[]},
	{"name":"createConversation","type":"function","inputs":[{"name":"peer","type":"address"}],"outputs":[]}
]`

var (
	chatABI     abi.ABI
	chatABIOnce sync.Once
	chatABIErr  error
)

func parsedChatABI() (abi.ABI, error) {
	chatABIOnce.Do(func() {
		chatABI, chatABIErr = abi.JSON(strings.NewReader(chatContractABI))
	})
	return chatABI, chatABIErr
}

// SubmitParams carries the arguments of a relayed action. Fields not used by
// the action are ignored.
type SubmitParams struct {
	Peer       string // counterparty wallet address
	ContentRef string // plaintext or content-id, opaque here
	CallKind   uint8  // 0 audio, 1 video
	Value      *big.Int
}

const defaultGasLimit = 300_000

// Signer submits chat-contract transactions with a server-custodied key on
// behalf of users who cannot sign directly. Submissions are serialized per
// credential: the ledger nonce is a shared sequence and two concurrent sends
// from the same key would collide.
//
// Submit is NOT idempotent. On an ambiguous timeout the caller must check
// whether the attempt landed (via the Verifier) before submitting again.
type Signer struct {
	node     Node
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int

	mu sync.Mutex // one in-flight submission per credential
}

// NewSigner builds a relay signer. An empty hexKey yields an unconfigured
// signer whose Submit fails fast with NotConfigured; callers use that to fall
// back to the off-chain path.
func NewSigner(ctx context.Context, node Node, hexKey, contractAddr string) (*Signer, error) {
	s := &Signer{node: node, contract: common.HexToAddress(contractAddr)}
	if hexKey == "" || node == nil {
		return s, nil
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, Wrap(KindInternal, err, "parse relay key")
	}
	chainID, err := node.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	s.key = key
	s.from = crypto.PubkeyToAddress(key.PublicKey)
	s.chainID = chainID
	return s, nil
}

func (s *Signer) Configured() bool { return s != nil && s.key != nil }

// Address returns the relay's own wallet address, or "" when unconfigured.
func (s *Signer) Address() string {
	if !s.Configured() {
		return ""
	}
	return s.from.Hex()
}

// Submit executes action as a ledger transaction and blocks until its
// inclusion receipt is available. When the transaction was already signed and
// handed to the node, the hash is returned alongside the error so the caller
// can check whether that attempt landed instead of submitting a second one.
func (s *Signer) Submit(ctx context.Context, action Action, params SubmitParams) (string, error) {
	if !s.Configured() {
		return "", E(KindNotConfigured, "relay credential is not configured")
	}

	data, err := packAction(action, params)
	if err != nil {
		return "", err
	}

	value := params.Value
	if value == nil {
		value = big.NewInt(0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nonce, err := s.node.PendingNonce(ctx, s.from.Hex())
	if err != nil {
		return "", err
	}
	gasPrice, err := s.node.SuggestGasPrice(ctx)
	if err != nil {
		return "", err
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &s.contract,
		Value:    value,
		Gas:      defaultGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.key)
	if err != nil {
		return "", Wrap(KindInternal, err, "sign transaction")
	}

	txHash := signed.Hash().Hex()
	if err := s.node.SendTransaction(ctx, signed); err != nil {
		return txHash, err
	}

	receipt, err := s.node.WaitReceipt(ctx, txHash)
	if err != nil {
		return txHash, err
	}
	if !receipt.Success {
		return "", E(KindExecutionFailed, "relayed %s transaction %s reverted", action, txHash)
	}
	return txHash, nil
}

func packAction(action Action, params SubmitParams) ([]byte, error) {
	parsed, err := parsedChatABI()
	if err != nil {
		return nil, Wrap(KindInternal, err, "parse chat contract abi")
	}

	switch action {
	case ActionSendMessage:
		return parsed.Pack("sendMessage", common.HexToAddress(params.Peer), params.ContentRef)
	case ActionInitiateCall:
		return parsed.Pack("initiateCall", common.HexToAddress(params.Peer), params.CallKind)
	case ActionPostStatus:
		return parsed.Pack("postStatus", params.ContentRef)
	case ActionCreateConversation:
		return parsed.Pack("createConversation", common.HexToAddress(params.Peer))
	default:
		return nil, E(KindInternal, "unknown action %q", action)
	}
}

// classifySubmitError folds raw node submission errors into the taxonomy so
// callers can show one of a few user-facing messages.
func classifySubmitError(err error) ErrorKind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return KindInsufficientFunds
	case strings.Contains(msg, "execution reverted"):
		return KindExecutionFailed
	case strings.Contains(msg, "rejected"), strings.Contains(msg, "denied"):
		return KindRejected
	default:
		return KindInternal
	}
}

// Package neartx implements NEAR's canonical transaction encoding. All
// structures serialize with Borsh; field order and integer widths follow the
// nearcore schema and must not change.
package neartx

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
	"github.com/near/borsh-go"

	"neargate/crypto"
)

// KeyTypeED25519 is the only curve the gateway signs with.
const KeyTypeED25519 uint8 = 0

// PublicKey is the wire form of an access key: curve tag plus 32 raw bytes.
type PublicKey struct {
	KeyType uint8
	Data    [32]byte
}

// PublicKeyFrom converts a crypto.PublicKey into its wire form.
func PublicKeyFrom(key crypto.PublicKey) PublicKey {
	pk := PublicKey{KeyType: KeyTypeED25519}
	copy(pk.Data[:], key.Bytes())
	return pk
}

// String renders the key in NEAR's "ed25519:<base58>" text form.
func (p PublicKey) String() string {
	return "ed25519:" + base58.Encode(p.Data[:])
}

// Signature is an Ed25519 signature in wire form.
type Signature struct {
	KeyType uint8
	Data    [64]byte
}

type CreateAccount struct{}

type DeployContract struct {
	Code []byte
}

type FunctionCall struct {
	MethodName string
	Args       []byte
	Gas        uint64
	Deposit    big.Int
}

type Transfer struct {
	Deposit big.Int
}

type Stake struct {
	Stake     big.Int
	PublicKey PublicKey
}

type AddKey struct {
	PublicKey PublicKey
	AccessKey AccessKey
}

type DeleteKey struct {
	PublicKey PublicKey
}

type DeleteAccount struct {
	BeneficiaryID string
}

// Action is the Borsh enum over every action nearcore understands. The
// variant order is part of the wire format.
type Action struct {
	Enum           borsh.Enum `borsh_enum:"true"`
	CreateAccount  CreateAccount
	DeployContract DeployContract
	FunctionCall   FunctionCall
	Transfer       Transfer
	Stake          Stake
	AddKey         AddKey
	DeleteKey      DeleteKey
	DeleteAccount  DeleteAccount
}

const (
	actionCreateAccount uint8 = iota
	actionDeployContract
	actionFunctionCall
	actionTransfer
	actionStake
	actionAddKey
	actionDeleteKey
	actionDeleteAccount
)

// NewFunctionCall builds a FunctionCall action. A nil deposit attaches zero.
func NewFunctionCall(method string, args []byte, gas uint64, deposit *big.Int) Action {
	call := FunctionCall{MethodName: method, Args: args, Gas: gas}
	if deposit != nil {
		call.Deposit.Set(deposit)
	}
	return Action{Enum: borsh.Enum(actionFunctionCall), FunctionCall: call}
}

// NewAddKey builds an AddKey action registering pub with the given access key.
func NewAddKey(pub PublicKey, accessKey AccessKey) Action {
	return Action{Enum: borsh.Enum(actionAddKey), AddKey: AddKey{PublicKey: pub, AccessKey: accessKey}}
}

// NewDeleteKey builds a DeleteKey action removing pub from the signer account.
func NewDeleteKey(pub PublicKey) Action {
	return Action{Enum: borsh.Enum(actionDeleteKey), DeleteKey: DeleteKey{PublicKey: pub}}
}

// AccessKey pairs a starting nonce with a permission level.
type AccessKey struct {
	Nonce      uint64
	Permission AccessKeyPermission
}

// AccessKeyPermission is the Borsh enum over permission levels.
type AccessKeyPermission struct {
	Enum         borsh.Enum `borsh_enum:"true"`
	FunctionCall FunctionCallPermission
	FullAccess   FullAccessPermission
}

type FunctionCallPermission struct {
	Allowance   *big.Int
	ReceiverID  string
	MethodNames []string
}

type FullAccessPermission struct{}

// FullAccessKey returns an access key with full-access permission and a zero
// nonce; the chain assigns the effective nonce at registration.
func FullAccessKey() AccessKey {
	return AccessKey{Permission: AccessKeyPermission{Enum: 1, FullAccess: FullAccessPermission{}}}
}

// Transaction is the unsigned payload. Nonce and BlockHash tie it to a single
// access key state and a recent block.
type Transaction struct {
	SignerID   string
	PublicKey  PublicKey
	Nonce      uint64
	ReceiverID string
	BlockHash  [32]byte
	Actions    []Action
}

// Serialize returns the canonical Borsh bytes of the unsigned transaction.
func (t *Transaction) Serialize() ([]byte, error) {
	raw, err := borsh.Serialize(*t)
	if err != nil {
		return nil, fmt.Errorf("serialize transaction: %w", err)
	}
	return raw, nil
}

// Hash returns the SHA-256 digest the signature covers. The digest is also the
// transaction id the chain reports.
func (t *Transaction) Hash() ([32]byte, error) {
	raw, err := t.Serialize()
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(raw), nil
}

// SignedTransaction pairs the payload with its signature.
type SignedTransaction struct {
	Transaction Transaction
	Signature   Signature
}

// Sign hashes the transaction and signs the digest with key. The key must
// match t.PublicKey; the chain rejects mismatches as invalid signatures.
func Sign(t *Transaction, key *crypto.PrivateKey) (*SignedTransaction, error) {
	digest, err := t.Hash()
	if err != nil {
		return nil, err
	}
	signed := &SignedTransaction{Transaction: *t, Signature: Signature{KeyType: KeyTypeED25519}}
	copy(signed.Signature.Data[:], key.Sign(digest[:]))
	return signed, nil
}

// Serialize returns the canonical Borsh bytes of the signed transaction, the
// payload broadcast to the RPC node.
func (st *SignedTransaction) Serialize() ([]byte, error) {
	raw, err := borsh.Serialize(*st)
	if err != nil {
		return nil, fmt.Errorf("serialize signed transaction: %w", err)
	}
	return raw, nil
}

// ID returns the base58 transaction hash used to reference the transaction.
func (st *SignedTransaction) ID() (string, error) {
	digest, err := st.Transaction.Hash()
	if err != nil {
		return "", err
	}
	return base58.Encode(digest[:]), nil
}

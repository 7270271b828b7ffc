package types

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"escrowlink/crypto"
)

// TxType distinguishes the ledger operations an escrow group is made of.
type TxType byte

const (
	TxTypePayment       TxType = 0x01
	TxTypeAssetTransfer TxType = 0x02
	TxTypeAppCall       TxType = 0x03
)

func (t TxType) String() string {
	switch t {
	case TxTypePayment:
		return "pay"
	case TxTypeAssetTransfer:
		return "axfer"
	case TxTypeAppCall:
		return "appl"
	default:
		return fmt.Sprintf("TxType(%d)", byte(t))
	}
}

// OnCompletion selects the lifecycle action attached to an application call.
type OnCompletion uint8

const (
	NoOp OnCompletion = iota
	DeleteApplication
)

var (
	ErrUnsigned       = errors.New("types: transaction is not signed")
	ErrSignerMismatch = errors.New("types: signature does not match sender")
	ErrInvalidTxID    = errors.New("types: invalid transaction id")
)

// TxID is the canonical identifier of a transaction.
type TxID [32]byte

func (id TxID) String() string { return hex.EncodeToString(id[:]) }

func (id TxID) IsZero() bool { return id == TxID{} }

func (id TxID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *TxID) UnmarshalText(text []byte) error {
	parsed, err := ParseTxID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseTxID decodes a hex transaction id, with or without a 0x prefix.
func ParseTxID(s string) (TxID, error) {
	var id TxID
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil || len(raw) != len(id) {
		return id, fmt.Errorf("%w: %q", ErrInvalidTxID, s)
	}
	copy(id[:], raw)
	return id, nil
}

// GroupID links the members of an atomic group.
type GroupID [32]byte

func (g GroupID) String() string { return hex.EncodeToString(g[:]) }

func (g GroupID) IsZero() bool { return g == GroupID{} }

func (g GroupID) MarshalText() ([]byte, error) {
	if g.IsZero() {
		return []byte{}, nil
	}
	return []byte(g.String()), nil
}

func (g *GroupID) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*g = GroupID{}
		return nil
	}
	id, err := ParseTxID(string(text))
	if err != nil {
		return err
	}
	*g = GroupID(id)
	return nil
}

// Transaction is a single ledger operation. Only the fields relevant to its
// Type are populated.
type Transaction struct {
	Type       TxType         `json:"type"`
	Sender     crypto.Address `json:"sender"`
	Fee        uint64         `json:"fee"`
	FirstValid uint64         `json:"firstValid"`
	LastValid  uint64         `json:"lastValid"`
	Note       []byte         `json:"note,omitempty"`
	Group      GroupID        `json:"group"`

	// Payment
	Receiver         crypto.Address `json:"receiver"`
	Amount           uint64         `json:"amount,omitempty"`
	CloseRemainderTo crypto.Address `json:"closeRemainderTo"`

	// Asset transfer
	AssetID       uint64         `json:"assetId,omitempty"`
	AssetAmount   uint64         `json:"assetAmount,omitempty"`
	AssetReceiver crypto.Address `json:"assetReceiver"`
	AssetCloseTo  crypto.Address `json:"assetCloseTo"`

	// Application call. AppID zero with a Program creates a new instance.
	AppID         uint64           `json:"appId,omitempty"`
	OnCompletion  OnCompletion     `json:"onCompletion,omitempty"`
	AppArgs       [][]byte         `json:"appArgs,omitempty"`
	Accounts      []crypto.Address `json:"accounts,omitempty"`
	ForeignAssets []uint64         `json:"foreignAssets,omitempty"`
	Program       []byte           `json:"program,omitempty"`
}

// ID hashes the canonical JSON encoding of the transaction, group tag included.
func (tx Transaction) ID() TxID {
	encoded, err := json.Marshal(tx)
	if err != nil {
		panic(fmt.Sprintf("types: encode transaction: %v", err))
	}
	return TxID(crypto.Keccak256([]byte("TX"), encoded))
}

// IsAppCreate reports whether the transaction deploys a new contract instance.
func (tx Transaction) IsAppCreate() bool {
	return tx.Type == TxTypeAppCall && tx.AppID == 0
}

// Clone returns a deep copy of the transaction.
func (tx Transaction) Clone() Transaction {
	out := tx
	if tx.Note != nil {
		out.Note = append([]byte(nil), tx.Note...)
	}
	if tx.AppArgs != nil {
		out.AppArgs = make([][]byte, len(tx.AppArgs))
		for i, arg := range tx.AppArgs {
			out.AppArgs[i] = append([]byte(nil), arg...)
		}
	}
	if tx.Accounts != nil {
		out.Accounts = append([]crypto.Address(nil), tx.Accounts...)
	}
	if tx.ForeignAssets != nil {
		out.ForeignAssets = append([]uint64(nil), tx.ForeignAssets...)
	}
	if tx.Program != nil {
		out.Program = append([]byte(nil), tx.Program...)
	}
	return out
}

// Sign produces a SignedTransaction using the supplied key.
func (tx Transaction) Sign(key *crypto.PrivateKey) (SignedTransaction, error) {
	id := tx.ID()
	sig, err := key.Sign(id[:])
	if err != nil {
		return SignedTransaction{}, err
	}
	return SignedTransaction{Txn: tx.Clone(), Sig: sig}, nil
}

// ComputeGroupID derives the tag binding txns positionally. Each member is
// hashed without its own group field.
func ComputeGroupID(txns []Transaction) GroupID {
	parts := make([][]byte, 0, len(txns)+1)
	parts = append(parts, []byte("TG"))
	for _, tx := range txns {
		tx.Group = GroupID{}
		id := tx.ID()
		parts = append(parts, id[:])
	}
	return GroupID(crypto.Keccak256(parts...))
}

// SignedTransaction pairs a transaction with its sender's signature.
type SignedTransaction struct {
	Txn Transaction `json:"txn"`
	Sig []byte      `json:"sig,omitempty"`
}

// ID returns the id of the wrapped transaction.
func (s SignedTransaction) ID() TxID { return s.Txn.ID() }

// Signer recovers the address that produced the signature.
func (s SignedTransaction) Signer() (crypto.Address, error) {
	if len(s.Sig) == 0 {
		return crypto.Address{}, ErrUnsigned
	}
	id := s.Txn.ID()
	return crypto.RecoverAddress(id[:], s.Sig)
}

// Verify checks that the signature was produced by the transaction sender.
func (s SignedTransaction) Verify() error {
	signer, err := s.Signer()
	if err != nil {
		return err
	}
	if signer != s.Txn.Sender {
		return fmt.Errorf("%w: signed by %s, sender %s", ErrSignerMismatch, signer, s.Txn.Sender)
	}
	return nil
}

// Package txn models the script transactions the station co-signs: coin and
// contract inputs, coin and change outputs, hex encoded fields.
package txn

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// TypeScript is the only transaction type the station signs.
const TypeScript = 0

// Input types.
const (
	InputCoin     = 0
	InputContract = 1
)

// Output types.
const (
	OutputCoin     = 0
	OutputContract = 1
	OutputChange   = 2
)

// ZeroTxPointer is the pointer value clients send for unconfirmed references.
const ZeroTxPointer = "0x00000000000000000000000000000000"

// Amount is a non-negative value in the chain's smallest unit. It decodes from
// a JSON number or a 0x-prefixed hex string and encodes as hex.
type Amount uint64

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal("0x" + strconv.FormatUint(uint64(a), 16))
}

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if !strings.HasPrefix(s, "0x") {
			return fmt.Errorf("amount %q: missing 0x prefix", s)
		}
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return fmt.Errorf("amount %q: %w", s, err)
		}
		*a = Amount(v)
		return nil
	}
	v, err := strconv.ParseUint(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("amount %s: %w", b, err)
	}
	*a = Amount(v)
	return nil
}

// Int64 converts a to int64, failing when it does not fit.
func (a Amount) Int64() (int64, error) {
	if uint64(a) > math.MaxInt64 {
		return 0, fmt.Errorf("amount %d overflows int64", uint64(a))
	}
	return int64(a), nil
}

// Input is a transaction input. Coin inputs use ID, Owner, Amount, AssetID and
// WitnessIndex; contract inputs use ContractID.
type Input struct {
	Type         int    `json:"type"`
	ID           string `json:"id,omitempty"`
	Owner        string `json:"owner,omitempty"`
	Amount       Amount `json:"amount"`
	AssetID      string `json:"assetId,omitempty"`
	ContractID   string `json:"contractId,omitempty"`
	TxPointer    string `json:"txPointer"`
	WitnessIndex int    `json:"witnessIndex"`
}

// Output is a transaction output. Change outputs carry no amount.
type Output struct {
	Type    int    `json:"type"`
	To      string `json:"to"`
	Amount  Amount `json:"amount"`
	AssetID string `json:"assetId"`
}

// Transaction is a script transaction request.
type Transaction struct {
	Type       int      `json:"type"`
	MaxFee     string   `json:"maxFee"`
	GasLimit   string   `json:"gasLimit"`
	Script     string   `json:"script"`
	ScriptData string   `json:"scriptData"`
	Inputs     []Input  `json:"inputs"`
	Outputs    []Output `json:"outputs"`
	Witnesses  []string `json:"witnesses"`
}

// New returns an empty script transaction.
func New() *Transaction {
	return &Transaction{
		Type:       TypeScript,
		MaxFee:     "0x0",
		GasLimit:   "0x0",
		Script:     "0x",
		ScriptData: "0x",
		Inputs:     []Input{},
		Outputs:    []Output{},
		Witnesses:  []string{},
	}
}

// Parse decodes and validates a client supplied transaction.
func Parse(raw []byte) (*Transaction, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("transaction is empty")
	}
	var tx Transaction
	if err := json.Unmarshal(raw, &tx); err != nil {
		return nil, fmt.Errorf("decode transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, err
	}
	return &tx, nil
}

// Validate checks the transaction shape.
func (t *Transaction) Validate() error {
	if t.Type != TypeScript {
		return fmt.Errorf("unsupported transaction type %d", t.Type)
	}
	for name, v := range map[string]string{
		"maxFee": t.MaxFee, "gasLimit": t.GasLimit, "script": t.Script, "scriptData": t.ScriptData,
	} {
		if err := checkHex(name, v); err != nil {
			return err
		}
	}
	for i, in := range t.Inputs {
		if err := in.validate(); err != nil {
			return fmt.Errorf("input %d: %w", i, err)
		}
		if in.Type == InputCoin && (in.WitnessIndex < 0 || in.WitnessIndex >= len(t.Witnesses)) {
			return fmt.Errorf("input %d: witness index %d out of range", i, in.WitnessIndex)
		}
	}
	for i, out := range t.Outputs {
		if err := out.validate(); err != nil {
			return fmt.Errorf("output %d: %w", i, err)
		}
	}
	for i, w := range t.Witnesses {
		if err := checkHex(fmt.Sprintf("witness %d", i), w); err != nil {
			return err
		}
	}
	return nil
}

func (in Input) validate() error {
	switch in.Type {
	case InputCoin:
		for name, v := range map[string]string{"id": in.ID, "owner": in.Owner, "assetId": in.AssetID} {
			if v == "" {
				return fmt.Errorf("%s is required", name)
			}
			if err := checkHex(name, v); err != nil {
				return err
			}
		}
	case InputContract:
		if in.ContractID == "" {
			return fmt.Errorf("contractId is required")
		}
		if err := checkHex("contractId", in.ContractID); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported input type %d", in.Type)
	}
	return checkHex("txPointer", in.TxPointer)
}

func (out Output) validate() error {
	switch out.Type {
	case OutputCoin, OutputChange:
	default:
		return fmt.Errorf("unsupported output type %d", out.Type)
	}
	if out.To == "" || out.AssetID == "" {
		return fmt.Errorf("to and assetId are required")
	}
	if err := checkHex("to", out.To); err != nil {
		return err
	}
	return checkHex("assetId", out.AssetID)
}

func checkHex(name, v string) error {
	if !strings.HasPrefix(v, "0x") {
		return fmt.Errorf("%s must be 0x-prefixed hex", name)
	}
	body := v[2:]
	if len(body)%2 == 1 {
		body = "0" + body
	}
	if _, err := hex.DecodeString(body); err != nil {
		return fmt.Errorf("%s is not valid hex", name)
	}
	return nil
}

// SameAddress compares two hex identifiers case-insensitively.
func SameAddress(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// CoinInputs returns the coin inputs owned by owner in assetID.
func (t *Transaction) CoinInputs(owner, assetID string) []Input {
	var out []Input
	for _, in := range t.Inputs {
		if in.Type == InputCoin && SameAddress(in.Owner, owner) && SameAddress(in.AssetID, assetID) {
			out = append(out, in)
		}
	}
	return out
}

// CoinOutputs returns the coin outputs paying to in assetID.
func (t *Transaction) CoinOutputs(to, assetID string) []Output {
	var out []Output
	for _, o := range t.Outputs {
		if o.Type == OutputCoin && SameAddress(o.To, to) && SameAddress(o.AssetID, assetID) {
			out = append(out, o)
		}
	}
	return out
}

// AddCoinInput appends a coin input and a placeholder witness for it.
func (t *Transaction) AddCoinInput(id, owner, assetID string, amount Amount) {
	t.Inputs = append(t.Inputs, Input{
		Type:         InputCoin,
		ID:           id,
		Owner:        owner,
		Amount:       amount,
		AssetID:      assetID,
		TxPointer:    ZeroTxPointer,
		WitnessIndex: t.witnessFor(owner),
	})
}

// witnessFor reuses the witness slot of an earlier input from the same owner.
func (t *Transaction) witnessFor(owner string) int {
	for _, in := range t.Inputs {
		if in.Type == InputCoin && SameAddress(in.Owner, owner) {
			return in.WitnessIndex
		}
	}
	t.Witnesses = append(t.Witnesses, "0x")
	return len(t.Witnesses) - 1
}

// AddCoinOutput appends a coin output.
func (t *Transaction) AddCoinOutput(to, assetID string, amount Amount) {
	t.Outputs = append(t.Outputs, Output{Type: OutputCoin, To: to, Amount: amount, AssetID: assetID})
}

// AddChangeOutput appends a change output.
func (t *Transaction) AddChangeOutput(to, assetID string) {
	t.Outputs = append(t.Outputs, Output{Type: OutputChange, To: to, AssetID: assetID})
}

// SetMaxFee sets the fee ceiling.
func (t *Transaction) SetMaxFee(fee Amount) {
	t.MaxFee = "0x" + strconv.FormatUint(uint64(fee), 16)
}

// SetWitness stores a signature for the witness slot at idx.
func (t *Transaction) SetWitness(idx int, sig []byte) error {
	if idx < 0 || idx >= len(t.Witnesses) {
		return fmt.Errorf("witness index %d out of range", idx)
	}
	t.Witnesses[idx] = "0x" + hex.EncodeToString(sig)
	return nil
}

// Digest hashes the canonical encoding of the transaction without its
// witnesses. Signatures never change the digest.
func (t *Transaction) Digest() ([]byte, error) {
	cp := *t
	cp.Witnesses = nil
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(b)
	return sum[:], nil
}

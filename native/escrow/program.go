package escrow

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"escrowlink/crypto"
)

// ProgramVersion tags the rendered program so deployed instances can be
// traced back to the template that produced them.
const ProgramVersion = 1

const claimerLabel = "authorized_claimer:"

var programTemplate = template.Must(template.New("escrow").Parse(`#pragma version 8
// escrow custody program v{{.Version}}
txn ApplicationID
int 0
==
bnz on_create
txn OnCompletion
int DeleteApplication
==
bnz on_delete
txna ApplicationArgs 0
byte "opt_in_asset"
==
bnz on_opt_in
txna ApplicationArgs 0
byte "set_amount"
==
bnz on_set_amount
txna ApplicationArgs 0
byte "claim"
==
bnz on_claim
txna ApplicationArgs 0
byte "reclaim"
==
bnz on_reclaim
err

on_create:
byte "creator"
txn Sender
app_global_put
byte "claimed"
int 0
app_global_put
byte "authorized_claimer"
b load_claimer
store_claimer:
app_global_put
int 1
return

{{.ClaimerLabel}}
load_claimer:
addr {{.Claimer}}
b store_claimer

on_opt_in:
txn Sender
byte "creator"
app_global_get
==
assert
itxn_begin
int axfer
itxn_field TypeEnum
txna Assets 0
itxn_field XferAsset
global CurrentApplicationAddress
itxn_field AssetReceiver
int 0
itxn_field AssetAmount
itxn_submit
int 1
return

on_set_amount:
txn Sender
byte "creator"
app_global_get
==
assert
txna ApplicationArgs 1
len
int {{.AmountWidth}}
==
assert
byte "amount"
txna ApplicationArgs 1
btoi
app_global_put
int 1
return

on_claim:
txn Sender
byte "authorized_claimer"
app_global_get
==
assert
byte "claimed"
app_global_get
!
assert
txn NumAccounts
int 1
>=
assert
byte "claimed"
int 1
app_global_put
itxn_begin
int axfer
itxn_field TypeEnum
txna Assets 0
itxn_field XferAsset
txna Accounts 1
itxn_field AssetReceiver
byte "amount"
app_global_get
itxn_field AssetAmount
itxn_next
int pay
itxn_field TypeEnum
byte "creator"
app_global_get
itxn_field Receiver
global CurrentApplicationAddress
balance
global CurrentApplicationAddress
min_balance
-
itxn_field Amount
itxn_submit
int 1
return

on_reclaim:
txn Sender
byte "creator"
app_global_get
==
assert
byte "claimed"
app_global_get
!
assert
byte "claimed"
int 1
app_global_put
itxn_begin
int axfer
itxn_field TypeEnum
txna Assets 0
itxn_field XferAsset
byte "creator"
app_global_get
itxn_field AssetCloseTo
itxn_next
int pay
itxn_field TypeEnum
byte "creator"
app_global_get
itxn_field CloseRemainderTo
itxn_submit
int 1
return

on_delete:
txn Sender
byte "creator"
app_global_get
==
assert
byte "claimed"
app_global_get
assert
itxn_begin
int pay
itxn_field TypeEnum
byte "creator"
app_global_get
itxn_field CloseRemainderTo
itxn_submit
int 1
return
`))

// Program is a rendered escrow program bound to one authorization capsule.
type Program struct {
	Source []byte
	Hash   [32]byte
}

// CompileProgram renders the escrow program with claimer embedded as an
// immutable literal.
func CompileProgram(claimer crypto.Address) (Program, error) {
	if claimer.IsZero() {
		return Program{}, fmt.Errorf("%w: authorized claimer required", ErrInvalidProgram)
	}
	var buf bytes.Buffer
	err := programTemplate.Execute(&buf, struct {
		Version      int
		ClaimerLabel string
		Claimer      string
		AmountWidth  int
	}{
		Version:      ProgramVersion,
		ClaimerLabel: claimerLabel,
		Claimer:      claimer.String(),
		AmountWidth:  AmountWidth,
	})
	if err != nil {
		return Program{}, fmt.Errorf("escrow: render program: %w", err)
	}
	source := buf.Bytes()
	return Program{Source: source, Hash: crypto.Keccak256(source)}, nil
}

// ProgramClaimer extracts the authorized claimer literal from a program and
// verifies the program is an unmodified rendering of the escrow template.
func ProgramClaimer(source []byte) (crypto.Address, error) {
	scanner := bufio.NewScanner(bytes.NewReader(source))
	var claimer crypto.Address
	found := false
	for scanner.Scan() {
		if strings.TrimSpace(scanner.Text()) != claimerLabel {
			continue
		}
		if !scanner.Scan() { // load_claimer:
			break
		}
		if !scanner.Scan() {
			break
		}
		literal, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "addr ")
		if !ok {
			break
		}
		addr, err := crypto.DecodeAddress(literal)
		if err != nil {
			return crypto.Address{}, fmt.Errorf("%w: %v", ErrInvalidProgram, err)
		}
		claimer = addr
		found = true
		break
	}
	if !found {
		return crypto.Address{}, fmt.Errorf("%w: claimer literal not found", ErrInvalidProgram)
	}
	expected, err := CompileProgram(claimer)
	if err != nil {
		return crypto.Address{}, err
	}
	if !bytes.Equal(expected.Source, source) {
		return crypto.Address{}, fmt.Errorf("%w: program does not match the escrow template", ErrInvalidProgram)
	}
	return claimer, nil
}

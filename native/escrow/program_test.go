package escrow

import (
	"bytes"
	"errors"
	"testing"

	"escrowlink/crypto"
)

func TestProgramEmbedsClaimerLiteral(t *testing.T) {
	claimer := newTestAddress(0x22)
	program, err := CompileProgram(claimer)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if !bytes.Contains(program.Source, []byte("addr "+claimer.String())) {
		t.Fatalf("program does not embed the claimer literal")
	}
	if program.Hash != crypto.Keccak256(program.Source) {
		t.Fatalf("program hash mismatch")
	}
	got, err := ProgramClaimer(program.Source)
	if err != nil {
		t.Fatalf("parse claimer: %v", err)
	}
	if got != claimer {
		t.Fatalf("parsed claimer %s, want %s", got, claimer)
	}

	other, err := CompileProgram(newTestAddress(0x23))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if other.Hash == program.Hash {
		t.Fatalf("distinct claimers must yield distinct programs")
	}
}

func TestProgramClaimerRejectsTampering(t *testing.T) {
	program, err := CompileProgram(newTestAddress(0x22))
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	tampered := bytes.Replace(program.Source, []byte("assert\n"), []byte("pop\n"), 1)
	if _, err := ProgramClaimer(tampered); !errors.Is(err, ErrInvalidProgram) {
		t.Fatalf("expected ErrInvalidProgram for tampered program, got %v", err)
	}
	if _, err := ProgramClaimer([]byte("#pragma version 8\nint 1\n")); !errors.Is(err, ErrInvalidProgram) {
		t.Fatalf("expected ErrInvalidProgram without literal, got %v", err)
	}
	if _, err := CompileProgram(crypto.Address{}); !errors.Is(err, ErrInvalidProgram) {
		t.Fatalf("expected zero claimer to be rejected, got %v", err)
	}
}

func TestStatusDerivation(t *testing.T) {
	state := GlobalState{Creator: newTestAddress(1), AuthorizedClaimer: newTestAddress(2)}
	if state.Status() != StatusCreated || !state.Unfunded() {
		t.Fatalf("expected created")
	}
	state.AssetID = testAssetID
	state.Amount = 5
	state.AmountSet = true
	if state.Status() != StatusFunded {
		t.Fatalf("expected funded")
	}
	state.Claimed = true
	if state.Status() != StatusResolved {
		t.Fatalf("expected resolved")
	}
	if StatusOf(state, ResolutionClaimed, false) != StatusClaimed {
		t.Fatalf("expected claimed")
	}
	if StatusOf(state, ResolutionClaimed, true) != StatusDeleted {
		t.Fatalf("expected deleted")
	}
}

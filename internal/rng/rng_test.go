package rng

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"
)

func TestCommitRoundTrip(t *testing.T) {
	seed, err := NewServerSeed()
	if err != nil {
		t.Fatalf("NewServerSeed: %v", err)
	}
	if len(seed) != 64 {
		t.Fatalf("expected 32-byte hex seed, got %d chars", len(seed))
	}
	commit := Commit(seed)
	if !VerifyCommit(seed, commit) {
		t.Error("commitment does not verify against its own seed")
	}
	if VerifyCommit(seed+"00", commit) {
		t.Error("tampered seed verified against commitment")
	}
}

func TestRoundMessageSortsAndJoins(t *testing.T) {
	msg := RoundMessage([]string{"s3", "S1", "s2"}, "room1", 4, "abcd")
	want := "s1|s2|s3|room1|4|abcd"
	if msg != want {
		t.Errorf("RoundMessage = %q, want %q", msg, want)
	}
}

func TestRoundMessageDoesNotMutateInput(t *testing.T) {
	seeds := []string{"zz", "aa"}
	RoundMessage(seeds, "r", 0, "h")
	if seeds[0] != "zz" {
		t.Error("caller slice was reordered")
	}
}

func TestRoundRandomnessMatchesManualHMAC(t *testing.T) {
	serverSeed := strings.Repeat("11", 32)
	seeds := []string{"s1", "s2", "s3", "s4", "s5", "s6"}
	got, err := RoundRandomness(serverSeed, seeds, "R", 0, "abcd")
	if err != nil {
		t.Fatalf("RoundRandomness: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte("s1|s2|s3|s4|s5|s6|R|0|abcd"))
	want := hex.EncodeToString(mac.Sum(nil))
	if got != want {
		t.Errorf("randomness = %s, want %s", got, want)
	}
}

func TestRoundRandomnessPreconditions(t *testing.T) {
	tests := []struct {
		name       string
		serverSeed string
		seeds      []string
		hash       string
	}{
		{"missing server seed", "", []string{"a"}, "h"},
		{"no client seeds", "seed", nil, "h"},
		{"missing settlement hash", "seed", []string{"a"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := RoundRandomness(tt.serverSeed, tt.seeds, "r", 0, tt.hash); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestChamberIndexBigEndian(t *testing.T) {
	// First 4 bytes 0x00000007 -> 7 mod 6 = 1.
	randomness := "00000007" + strings.Repeat("00", 28)
	idx, err := ChamberIndex(randomness, 6)
	if err != nil {
		t.Fatalf("ChamberIndex: %v", err)
	}
	if idx != 1 {
		t.Errorf("chamber = %d, want 1", idx)
	}
}

func TestFiresSingleBulletEqualsPositionRule(t *testing.T) {
	// chamber = 3 with 6 chambers; only alive position 3 dies.
	randomness := "00000003" + strings.Repeat("00", 28)
	for pos := 0; pos < 6; pos++ {
		died, err := Fires(randomness, 6, pos, 1)
		if err != nil {
			t.Fatalf("Fires pos %d: %v", pos, err)
		}
		if died != (pos == 3) {
			t.Errorf("pos %d: died=%v, want %v", pos, died, pos == 3)
		}
	}
}

func TestFiresExtremeOdds(t *testing.T) {
	// With N chambers and N-1 bullets, exactly one alive position
	// survives each draw regardless of the digest.
	randomness := "0000000b" + strings.Repeat("00", 28)
	survivors := 0
	for pos := 0; pos < 4; pos++ {
		died, err := Fires(randomness, 4, pos, 3)
		if err != nil {
			t.Fatalf("Fires: %v", err)
		}
		if !died {
			survivors++
		}
	}
	if survivors != 1 {
		t.Errorf("survivors = %d, want exactly 1", survivors)
	}
}

func TestFiresRejectsBadBulletCount(t *testing.T) {
	randomness := strings.Repeat("00", 32)
	if _, err := Fires(randomness, 6, 0, 6); err == nil {
		t.Error("bullets == chambers accepted")
	}
	if _, err := Fires(randomness, 6, 0, -1); err == nil {
		t.Error("negative bullets accepted")
	}
}

func TestVerifyReplaysSettledRoom(t *testing.T) {
	serverSeed := strings.Repeat("22", 32)
	seeds := []string{"c1", "c2", "c3"}
	hash := "deadbeef"

	var rounds []RoundRecord
	for i := 0; i < 4; i++ {
		r, err := RoundRandomness(serverSeed, seeds, "room-x", i, hash)
		if err != nil {
			t.Fatalf("derive round %d: %v", i, err)
		}
		rounds = append(rounds, RoundRecord{Index: i, Randomness: r})
	}

	ok, checks, err := Verify(VerifyInput{
		RoomID:         "room-x",
		ServerSeed:     serverSeed,
		ServerCommit:   Commit(serverSeed),
		ClientSeeds:    seeds,
		SettlementHash: hash,
		Rounds:         rounds,
	})
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok {
		t.Fatal("honest room failed verification")
	}
	if len(checks) != 4 {
		t.Fatalf("expected 4 round checks, got %d", len(checks))
	}

	// Tamper with one round digest.
	rounds[2].Randomness = strings.Repeat("ff", 32)
	ok, checks, err = Verify(VerifyInput{
		RoomID:         "room-x",
		ServerSeed:     serverSeed,
		ServerCommit:   Commit(serverSeed),
		ClientSeeds:    seeds,
		SettlementHash: hash,
		Rounds:         rounds,
	})
	if err != nil {
		t.Fatalf("Verify tampered: %v", err)
	}
	if ok {
		t.Error("tampered round log verified")
	}
	if checks[2].Match {
		t.Error("tampered round reported as matching")
	}
}

func TestVerifyRejectsWrongSeed(t *testing.T) {
	seed := strings.Repeat("33", 32)
	_, _, err := Verify(VerifyInput{
		RoomID:       "r",
		ServerSeed:   strings.Repeat("44", 32),
		ServerCommit: Commit(seed),
	})
	if err == nil {
		t.Error("wrong revealed seed accepted")
	}
}

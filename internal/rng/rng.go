// Package rng implements the commit-reveal randomness used to resolve
// every shot. The server commits to a secret seed before any player
// submits theirs; per-round digests mix the revealed seed, all client
// seeds, the room id, the round index, and the settlement block hash,
// so neither party can bias an outcome and any third party can replay
// the whole game from a settled room record.
package rng

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// NewServerSeed returns 32 bytes of cryptographic randomness as
// lowercase hex.
func NewServerSeed() (string, error) {
	var seed [32]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", fmt.Errorf("rng: generate server seed: %w", err)
	}
	return hex.EncodeToString(seed[:]), nil
}

// Commit returns SHA-256(seed) as lowercase hex. The commitment is
// published at room creation; the seed itself stays private until the
// room reaches a terminal state.
func Commit(serverSeed string) string {
	sum := sha256.Sum256([]byte(serverSeed))
	return hex.EncodeToString(sum[:])
}

// VerifyCommit reports whether seed hashes to commit.
func VerifyCommit(serverSeed, commit string) bool {
	return Commit(serverSeed) == commit
}

// RoundMessage builds the canonical HMAC input for one round:
// lexicographically sorted client seeds, then room id, decimal round
// index, and the settlement block hash, joined with '|'. The caller's
// slice is not modified.
func RoundMessage(clientSeeds []string, roomID string, roundIndex int, settlementHash string) string {
	sorted := append([]string(nil), clientSeeds...)
	for i, s := range sorted {
		sorted[i] = strings.ToLower(s)
	}
	sort.Strings(sorted)
	parts := append(sorted, roomID, strconv.Itoa(roundIndex), settlementHash)
	return strings.Join(parts, "|")
}

// RoundRandomness derives the round digest:
// HMAC-SHA-256(key=serverSeed, data=RoundMessage(...)), lowercase hex.
// It fails rather than degrade when a precondition is missing; a failed
// derivation must block the transition that would consume it.
func RoundRandomness(serverSeed string, clientSeeds []string, roomID string, roundIndex int, settlementHash string) (string, error) {
	if serverSeed == "" {
		return "", fmt.Errorf("rng: server seed missing for room %s round %d", roomID, roundIndex)
	}
	if len(clientSeeds) == 0 {
		return "", fmt.Errorf("rng: no client seeds for room %s round %d", roomID, roundIndex)
	}
	if settlementHash == "" {
		return "", fmt.Errorf("rng: settlement block hash missing for room %s round %d", roomID, roundIndex)
	}
	mac := hmac.New(sha256.New, []byte(serverSeed))
	mac.Write([]byte(RoundMessage(clientSeeds, roomID, roundIndex, settlementHash)))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// ChamberIndex interprets the first 4 bytes of the digest as a
// big-endian unsigned integer modulo chambers.
func ChamberIndex(randomness string, chambers int) (int, error) {
	if chambers <= 0 {
		return 0, fmt.Errorf("rng: chamber count %d must be positive", chambers)
	}
	raw, err := hex.DecodeString(randomness)
	if err != nil || len(raw) < 4 {
		return 0, fmt.Errorf("rng: malformed randomness %q", randomness)
	}
	return int(binary.BigEndian.Uint32(raw[:4]) % uint32(chambers)), nil
}

// Fires resolves one trigger pull. chambers is the alive count at round
// start, alivePos the shooter's position in the alive-ordered sequence,
// bullets the number of loaded chambers (1 for REGULAR, chambers-1 for
// EXTREME). The shooter dies iff (chamber - alivePos) mod chambers is
// below bullets; with a single bullet this is exactly "the loaded
// chamber index equals the shooter's alive position".
func Fires(randomness string, chambers, alivePos, bullets int) (bool, error) {
	if bullets < 0 || bullets >= chambers {
		return false, fmt.Errorf("rng: %d bullets in %d chambers", bullets, chambers)
	}
	chamber, err := ChamberIndex(randomness, chambers)
	if err != nil {
		return false, err
	}
	offset := ((chamber - alivePos) % chambers + chambers) % chambers
	return offset < bullets, nil
}

// RoundRecord is the slice of a settled room a verifier needs per round.
type RoundRecord struct {
	Index      int
	Shooter    int
	Died       bool
	Randomness string
}

// VerifyInput is everything a third party needs to replay a room.
type VerifyInput struct {
	RoomID         string
	ServerSeed     string
	ServerCommit   string
	ClientSeeds    []string
	SettlementHash string
	Rounds         []RoundRecord
}

// RoundCheck is the per-round verdict of Verify.
type RoundCheck struct {
	Index              int    `json:"index"`
	ExpectedRandomness string `json:"expectedRandomness"`
	RecordedRandomness string `json:"recordedRandomness"`
	Match              bool   `json:"match"`
}

// Verify replays a settled room: the commitment must match the revealed
// seed and every recorded round digest must recompute from the room's
// public inputs. Outcome bits (who died) are implied by the digests and
// the deterministic draw, so digest equality is sufficient.
func Verify(in VerifyInput) (bool, []RoundCheck, error) {
	if !VerifyCommit(in.ServerSeed, in.ServerCommit) {
		return false, nil, fmt.Errorf("rng: revealed seed does not match commitment for room %s", in.RoomID)
	}
	checks := make([]RoundCheck, 0, len(in.Rounds))
	ok := true
	for _, r := range in.Rounds {
		expected, err := RoundRandomness(in.ServerSeed, in.ClientSeeds, in.RoomID, r.Index, in.SettlementHash)
		if err != nil {
			return false, nil, err
		}
		match := expected == r.Randomness
		ok = ok && match
		checks = append(checks, RoundCheck{
			Index:              r.Index,
			ExpectedRandomness: expected,
			RecordedRandomness: r.Randomness,
			Match:              match,
		})
	}
	return ok, checks, nil
}

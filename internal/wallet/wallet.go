// Package wallet owns the hot wallet: the BIP32 key tree, per-seat
// deposit address derivation, and construction + submission of payout
// and refund transactions. All transaction building is serialized by a
// single mutex so two settlements can never spend the same UTXO.
package wallet

import (
	"context"
	"crypto/sha512"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/pbkdf2"

	"github.com/kasplay/roulette-engine/internal/config"
	"github.com/kasplay/roulette-engine/pkg/models"
)

const (
	purpose  = 44
	coinType = 111111 // kaspa

	// Reserved change branches under the account key.
	branchMain    = 0 // index 0 is the hot wallet receive address
	branchDeposit = 1 // seat deposit addresses
	branchSigning = 2 // per-room signing keys

	// Flat transaction fee paid by the house on payouts and refunds.
	txFee = 10_000

	submitAttempts   = 3
	submitBackoffMin = time.Second
)

// Broadcaster is the chain surface the wallet needs: read the hot
// wallet's UTXOs and push signed transactions.
type Broadcaster interface {
	GetUtxosByAddresses(ctx context.Context, addresses []string) ([]models.UTXO, error)
	SubmitTransaction(ctx context.Context, tx json.RawMessage) (string, error)
}

// ErrInsufficientFunds means the hot wallet cannot cover a disbursement.
var ErrInsufficientFunds = errors.New("wallet: insufficient hot wallet funds")

// Payee is one output of a payout or refund transaction.
type Payee struct {
	Address string
	Amount  int64 // sompi
}

// Wallet is the hot wallet gateway.
type Wallet struct {
	account *hdkeychain.ExtendedKey
	prefix  string
	chain   Broadcaster

	mainAddr string
	mainKey  *btcec.PrivateKey

	// Serializes transaction construction; the hot UTXO set has a
	// single writer.
	txMu sync.Mutex
}

// New derives the account key m/44'/111111'/0' from the mnemonic and
// resolves the main receive address at (change=0, index=0).
func New(mnemonic string, network config.Network, chain Broadcaster) (*Wallet, error) {
	// BIP39: seed = PBKDF2-HMAC-SHA512(mnemonic, "mnemonic", 2048, 64).
	seed := pbkdf2.Key([]byte(mnemonic), []byte("mnemonic"), 2048, 64, sha512.New)

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive master key: %w", err)
	}
	account := master
	for _, child := range []uint32{
		hdkeychain.HardenedKeyStart + purpose,
		hdkeychain.HardenedKeyStart + coinType,
		hdkeychain.HardenedKeyStart, // account 0'
	} {
		if account, err = account.Derive(child); err != nil {
			return nil, fmt.Errorf("wallet: derive account: %w", err)
		}
	}

	w := &Wallet{account: account, prefix: network.AddressPrefix(), chain: chain}
	w.mainKey, err = w.privateKey(branchMain, 0)
	if err != nil {
		return nil, err
	}
	w.mainAddr, err = w.Address(branchMain, 0)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// MainAddress is the hot wallet receive address funding payouts and
// refunds.
func (w *Wallet) MainAddress() string { return w.mainAddr }

// DeriveSeat maps (roomID, seatIndex) to a fresh (change, index) pair.
// The mapping is pure: blake2b-256 over "roomID|seat" pins the child
// index on the deposit branch, so a seat address is never reused across
// rooms.
func DeriveSeat(roomID string, seatIndex int) (change, index uint32) {
	sum := blake2b.Sum256([]byte(roomID + "|" + strconv.Itoa(seatIndex)))
	return branchDeposit, binary.BigEndian.Uint32(sum[:4]) & 0x7FFFFFFF
}

// SeatAddress returns the deposit address for a seat.
func (w *Wallet) SeatAddress(roomID string, seatIndex int) (string, error) {
	change, index := DeriveSeat(roomID, seatIndex)
	return w.Address(change, index)
}

// RoomSigningKey derives the room's signing keypair from roomID alone.
func (w *Wallet) RoomSigningKey(roomID string) (*btcec.PrivateKey, error) {
	sum := blake2b.Sum256([]byte(roomID))
	return w.privateKey(branchSigning, binary.BigEndian.Uint32(sum[:4])&0x7FFFFFFF)
}

func (w *Wallet) privateKey(change, index uint32) (*btcec.PrivateKey, error) {
	child, err := w.account.Derive(change)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive change %d: %w", change, err)
	}
	if child, err = child.Derive(index); err != nil {
		return nil, fmt.Errorf("wallet: derive index %d: %w", index, err)
	}
	priv, err := child.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("wallet: extract private key: %w", err)
	}
	return priv, nil
}

// Address encodes the schnorr public key at (change, index) as a
// bech32 kaspa address: version byte 0 plus the 32-byte x-only key.
func (w *Wallet) Address(change, index uint32) (string, error) {
	priv, err := w.privateKey(change, index)
	if err != nil {
		return "", err
	}
	payload := append([]byte{0}, schnorr.SerializePubKey(priv.PubKey())...)
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", fmt.Errorf("wallet: convert address bits: %w", err)
	}
	addr, err := bech32.Encode(w.prefix, converted)
	if err != nil {
		return "", fmt.Errorf("wallet: encode address: %w", err)
	}
	return addr, nil
}

// scriptForAddress rebuilds the p2pk script for a bech32 address:
// OP_DATA_32 <x-only pubkey> OP_CHECKSIG.
func scriptForAddress(addr string) (string, error) {
	_, data, err := bech32.Decode(addr)
	if err != nil {
		return "", fmt.Errorf("wallet: decode address %q: %w", addr, err)
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", fmt.Errorf("wallet: convert address payload: %w", err)
	}
	if len(payload) != 33 || payload[0] != 0 {
		return "", fmt.Errorf("wallet: unsupported address payload in %q", addr)
	}
	return "20" + hex.EncodeToString(payload[1:]) + "ac", nil
}

type txOutpoint struct {
	TransactionID string `json:"transactionId"`
	Index         uint32 `json:"index"`
}

type txInput struct {
	PreviousOutpoint txOutpoint `json:"previousOutpoint"`
	SignatureScript  string     `json:"signatureScript"`
	Sequence         uint64     `json:"sequence"`
	SigOpCount       int        `json:"sigOpCount"`
}

type txScriptPublicKey struct {
	Version int    `json:"version"`
	Script  string `json:"scriptPublicKey"`
}

type txOutput struct {
	Amount          int64             `json:"amount"`
	ScriptPublicKey txScriptPublicKey `json:"scriptPublicKey"`
}

type transaction struct {
	Version      int        `json:"version"`
	Inputs       []txInput  `json:"inputs"`
	Outputs      []txOutput `json:"outputs"`
	LockTime     uint64     `json:"lockTime"`
	SubnetworkID string     `json:"subnetworkId"`
}

// Disburse builds, signs, and submits one multi-output transaction from
// the hot wallet to the given payees. Used for both payouts and
// refunds. Transient submit failures are retried with exponential
// backoff up to a fixed ceiling; the error returned after the ceiling
// is terminal for the caller.
func (w *Wallet) Disburse(ctx context.Context, roomID string, payees []Payee) (string, error) {
	w.txMu.Lock()
	defer w.txMu.Unlock()

	var total int64
	for _, p := range payees {
		if p.Amount <= 0 {
			return "", fmt.Errorf("wallet: non-positive payout %d to %s", p.Amount, p.Address)
		}
		total += p.Amount
	}
	if total == 0 {
		return "", fmt.Errorf("wallet: empty disbursement for room %s", roomID)
	}

	utxos, err := w.chain.GetUtxosByAddresses(ctx, []string{w.mainAddr})
	if err != nil {
		return "", fmt.Errorf("wallet: query hot wallet utxos: %w", err)
	}

	inputs, change, err := selectInputs(utxos, total+txFee)
	if err != nil {
		return "", err
	}

	tx := transaction{
		Version:      0,
		LockTime:     0,
		SubnetworkID: "0000000000000000000000000000000000000000",
	}
	for _, p := range payees {
		script, err := scriptForAddress(p.Address)
		if err != nil {
			return "", err
		}
		tx.Outputs = append(tx.Outputs, txOutput{
			Amount:          p.Amount,
			ScriptPublicKey: txScriptPublicKey{Version: 0, Script: script},
		})
	}
	if change > 0 {
		script, err := scriptForAddress(w.mainAddr)
		if err != nil {
			return "", err
		}
		tx.Outputs = append(tx.Outputs, txOutput{
			Amount:          change,
			ScriptPublicKey: txScriptPublicKey{Version: 0, Script: script},
		})
	}

	outDigest, err := outputsDigest(tx.Outputs)
	if err != nil {
		return "", err
	}
	for _, u := range inputs {
		sig, err := w.signInput(u, outDigest)
		if err != nil {
			return "", err
		}
		tx.Inputs = append(tx.Inputs, txInput{
			PreviousOutpoint: txOutpoint{TransactionID: u.TransactionID, Index: u.Index},
			SignatureScript:  sig,
			Sequence:         0,
			SigOpCount:       1,
		})
	}

	raw, err := json.Marshal(map[string]interface{}{"transaction": tx, "allowOrphan": false})
	if err != nil {
		return "", fmt.Errorf("wallet: marshal transaction: %w", err)
	}
	return w.submitWithRetry(ctx, roomID, raw)
}

func (w *Wallet) submitWithRetry(ctx context.Context, roomID string, raw json.RawMessage) (string, error) {
	backoff := submitBackoffMin
	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		txID, err := w.chain.SubmitTransaction(ctx, raw)
		if err == nil {
			log.Printf("[wallet] room %s disbursement submitted: %s", roomID, txID)
			return txID, nil
		}
		lastErr = err
		log.Printf("[wallet] room %s submit attempt %d/%d failed: %v", roomID, attempt, submitAttempts, err)
		if attempt < submitAttempts {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return "", fmt.Errorf("wallet: submit for room %s failed after %d attempts: %w", roomID, submitAttempts, lastErr)
}

// signInput schnorr-signs the commitment to the spent outpoint and all
// outputs. The signature script is OP_DATA_65 <signature || SigHashAll>.
func (w *Wallet) signInput(u models.UTXO, outDigest [32]byte) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	h.Write([]byte(u.TransactionID))
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], u.Index)
	h.Write(idx[:])
	h.Write(outDigest[:])

	sig, err := schnorr.Sign(w.mainKey, h.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("wallet: sign input %s:%d: %w", u.TransactionID, u.Index, err)
	}
	return "41" + hex.EncodeToString(sig.Serialize()) + "01", nil
}

func outputsDigest(outputs []txOutput) ([32]byte, error) {
	raw, err := json.Marshal(outputs)
	if err != nil {
		return [32]byte{}, fmt.Errorf("wallet: marshal outputs: %w", err)
	}
	return blake2b.Sum256(raw), nil
}

// selectInputs picks hot wallet UTXOs largest-first until the target is
// covered and returns the change left over.
func selectInputs(utxos []models.UTXO, target int64) ([]models.UTXO, int64, error) {
	sorted := append([]models.UTXO(nil), utxos...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	var picked []models.UTXO
	var sum int64
	for _, u := range sorted {
		picked = append(picked, u)
		sum += u.Amount
		if sum >= target {
			return picked, sum - target, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: have %d, need %d", ErrInsufficientFunds, sum, target)
}

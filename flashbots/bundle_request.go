package flashbots

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/crypto/sha3"
)

// RawTransaction is an already signed, binary encoded transaction together with its hash
type RawTransaction struct {
	Bytes hexutil.Bytes
	Hash  common.Hash
}

func NewRawTransaction(tx *types.Transaction) (RawTransaction, error) {
	data, err := tx.MarshalBinary()
	if err != nil {
		return RawTransaction{}, err
	}
	return RawTransaction{Bytes: data, Hash: tx.Hash()}, nil
}

// DecodeRawTransaction derives the hash of the encoded transaction
func DecodeRawTransaction(data []byte) (RawTransaction, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(data); err != nil {
		return RawTransaction{}, err
	}
	return RawTransaction{Bytes: common.CopyBytes(data), Hash: tx.Hash()}, nil
}

// BundleRequest is an ordered list of transactions that should land atomically in one block.
//
// BundleRequest has value semantics: every builder method returns a new value and never writes
// to memory shared with the receiver, so a request handed to SendBundle can't be changed later.
type BundleRequest struct {
	txs                 []RawTransaction
	block               *uint64
	minTimestamp        *uint64
	maxTimestamp        *uint64
	revertingHashes     []common.Hash
	simulationTimestamp *uint64
}

func NewBundleRequest() BundleRequest {
	return BundleRequest{}
}

// PushTransaction appends tx at the end of the bundle
func (b BundleRequest) PushTransaction(tx RawTransaction) BundleRequest {
	txs := make([]RawTransaction, len(b.txs), len(b.txs)+1)
	copy(txs, b.txs)
	b.txs = append(txs, tx)
	return b
}

// SetBlock sets the block the bundle targets
func (b BundleRequest) SetBlock(number uint64) BundleRequest {
	b.block = &number
	return b
}

func (b BundleRequest) SetMinTimestamp(timestamp uint64) BundleRequest {
	b.minTimestamp = &timestamp
	return b
}

func (b BundleRequest) SetMaxTimestamp(timestamp uint64) BundleRequest {
	b.maxTimestamp = &timestamp
	return b
}

// SetRevertingHashes sets hashes of transactions that are allowed to revert, duplicates are dropped
func (b BundleRequest) SetRevertingHashes(hashes []common.Hash) BundleRequest {
	seen := make(map[common.Hash]struct{}, len(hashes))
	reverting := make([]common.Hash, 0, len(hashes))
	for _, h := range hashes {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		reverting = append(reverting, h)
	}
	b.revertingHashes = reverting
	return b
}

// SetSimulationTimestamp overrides the block timestamp used by eth_callBundle
func (b BundleRequest) SetSimulationTimestamp(timestamp uint64) BundleRequest {
	b.simulationTimestamp = &timestamp
	return b
}

func (b BundleRequest) Len() int {
	return len(b.txs)
}

func (b BundleRequest) Transactions() []RawTransaction {
	txs := make([]RawTransaction, len(b.txs))
	copy(txs, b.txs)
	return txs
}

func (b BundleRequest) TransactionHashes() []common.Hash {
	hashes := make([]common.Hash, len(b.txs))
	for i, tx := range b.txs {
		hashes[i] = tx.Hash
	}
	return hashes
}

func (b BundleRequest) Block() (uint64, bool) {
	return derefUint64(b.block)
}

func (b BundleRequest) MinTimestamp() (uint64, bool) {
	return derefUint64(b.minTimestamp)
}

func (b BundleRequest) MaxTimestamp() (uint64, bool) {
	return derefUint64(b.maxTimestamp)
}

func (b BundleRequest) RevertingHashes() []common.Hash {
	hashes := make([]common.Hash, len(b.revertingHashes))
	copy(hashes, b.revertingHashes)
	return hashes
}

// Hash is keccak256 over the concatenated transaction hashes, the same way relays derive bundleHash
func (b BundleRequest) Hash() common.Hash {
	hasher := sha3.NewLegacyKeccak256()
	for _, tx := range b.txs {
		hasher.Write(tx.Hash[:])
	}
	return common.BytesToHash(hasher.Sum(nil))
}

func (b BundleRequest) rawTxs() []hexutil.Bytes {
	txs := make([]hexutil.Bytes, len(b.txs))
	for i, tx := range b.txs {
		txs[i] = tx.Bytes
	}
	return txs
}

func (b BundleRequest) callBundleArgs(stateBlock string) CallBundleArgs {
	if stateBlock == "" {
		stateBlock = StateBlockLatest
	}
	return CallBundleArgs{
		Txs:              b.rawTxs(),
		BlockNumber:      hexUint64Ptr(b.block),
		StateBlockNumber: stateBlock,
		Timestamp:        copyUint64Ptr(b.simulationTimestamp),
	}
}

func (b BundleRequest) sendBundleArgs() SendBundleArgs {
	return SendBundleArgs{
		Txs:               b.rawTxs(),
		BlockNumber:       hexUint64Ptr(b.block),
		MinTimestamp:      copyUint64Ptr(b.minTimestamp),
		MaxTimestamp:      copyUint64Ptr(b.maxTimestamp),
		RevertingTxHashes: b.RevertingHashes(),
	}
}

func derefUint64(v *uint64) (uint64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

func copyUint64Ptr(v *uint64) *uint64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func hexUint64Ptr(v *uint64) *hexutil.Uint64 {
	if v == nil {
		return nil
	}
	h := hexutil.Uint64(*v)
	return &h
}

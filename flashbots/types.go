package flashbots

import (
	"encoding/json"
	"errors"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var ErrInvalidDecimal = errors.New("invalid decimal value")

// CallBundleArgs are the params of eth_callBundle
type CallBundleArgs struct {
	Txs              []hexutil.Bytes `json:"txs"`
	BlockNumber      *hexutil.Uint64 `json:"blockNumber,omitempty"`
	StateBlockNumber string          `json:"stateBlockNumber"`
	Timestamp        *uint64         `json:"timestamp,omitempty"`
}

// SendBundleArgs are the params of eth_sendBundle
type SendBundleArgs struct {
	Txs               []hexutil.Bytes `json:"txs"`
	BlockNumber       *hexutil.Uint64 `json:"blockNumber,omitempty"`
	MinTimestamp      *uint64         `json:"minTimestamp,omitempty"`
	MaxTimestamp      *uint64         `json:"maxTimestamp,omitempty"`
	RevertingTxHashes []common.Hash   `json:"revertingTxHashes,omitempty"`
}

type SendBundleResponse struct {
	BundleHash *common.Hash `json:"bundleHash,omitempty"`
}

type BundleStatsArgs struct {
	BundleHash  common.Hash    `json:"bundleHash"`
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

type UserStatsArgs struct {
	BlockNumber hexutil.Uint64 `json:"blockNumber"`
}

// Wei is a decimal encoded amount, relays return it either as a string or as a number
type Wei struct {
	big.Int
}

func NewWei(v int64) Wei {
	var w Wei
	w.SetInt64(v)
	return w
}

func (w Wei) MarshalJSON() ([]byte, error) {
	return json.Marshal(w.String())
}

func (w *Wei) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		w.SetInt64(0)
		return nil
	}
	if strings.HasPrefix(s, "0x") {
		v, err := hexutil.DecodeBig(s)
		if err != nil {
			return err
		}
		w.Set(v)
		return nil
	}
	if _, ok := w.SetString(s, 10); !ok {
		return ErrInvalidDecimal
	}
	return nil
}

// Uint64 is a gas-like quantity, relays return it as a number, a decimal string or a hex string
type Uint64 uint64

func (u Uint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(u))
}

func (u *Uint64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*u = 0
		return nil
	}
	if strings.HasPrefix(s, "0x") {
		v, err := hexutil.DecodeUint64(s)
		if err != nil {
			return err
		}
		*u = Uint64(v)
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return ErrInvalidDecimal
	}
	*u = Uint64(v)
	return nil
}

// SimulatedTransaction is a per transaction result of eth_callBundle
type SimulatedTransaction struct {
	TxHash            common.Hash     `json:"txHash"`
	FromAddress       common.Address  `json:"fromAddress"`
	ToAddress         *common.Address `json:"toAddress,omitempty"`
	GasUsed           Uint64          `json:"gasUsed"`
	GasPrice          Wei             `json:"gasPrice"`
	GasFees           Wei             `json:"gasFees"`
	CoinbaseDiff      Wei             `json:"coinbaseDiff"`
	EthSentToCoinbase Wei             `json:"ethSentToCoinbase"`
	Value             Wei             `json:"value"`
	Error             string          `json:"error,omitempty"`
	Revert            string          `json:"revert,omitempty"`
}

// Success is false if the transaction failed or reverted
func (t *SimulatedTransaction) Success() bool {
	return t.Error == "" && t.Revert == ""
}

// SimulationResult is the result of eth_callBundle. It's informational and never mutates the bundle.
type SimulationResult struct {
	BundleHash        common.Hash            `json:"bundleHash"`
	BundleGasPrice    Wei                    `json:"bundleGasPrice"`
	CoinbaseDiff      Wei                    `json:"coinbaseDiff"`
	EthSentToCoinbase Wei                    `json:"ethSentToCoinbase"`
	GasFees           Wei                    `json:"gasFees"`
	StateBlockNumber  Uint64                 `json:"stateBlockNumber"`
	TotalGasUsed      Uint64                 `json:"totalGasUsed"`
	Results           []SimulatedTransaction `json:"results"`
}

// Success is true if none of the simulated transactions failed
func (r *SimulationResult) Success() bool {
	for i := range r.Results {
		if !r.Results[i].Success() {
			return false
		}
	}
	return true
}

// RevertReasons returns error and revert strings of failed transactions keyed by tx hash
func (r *SimulationResult) RevertReasons() map[common.Hash]string {
	reasons := make(map[common.Hash]string)
	for _, tx := range r.Results {
		switch {
		case tx.Revert != "":
			reasons[tx.TxHash] = tx.Revert
		case tx.Error != "":
			reasons[tx.TxHash] = tx.Error
		}
	}
	return reasons
}

type BuilderSubmission struct {
	Pubkey    string `json:"pubkey"`
	Timestamp string `json:"timestamp"`
}

type BundleStats struct {
	IsHighPriority         bool                `json:"isHighPriority"`
	IsSimulated            bool                `json:"isSimulated"`
	SimulatedAt            string              `json:"simulatedAt,omitempty"`
	ReceivedAt             string              `json:"receivedAt,omitempty"`
	ConsideredByBuildersAt []BuilderSubmission `json:"consideredByBuildersAt,omitempty"`
	SealedByBuildersAt     []BuilderSubmission `json:"sealedByBuildersAt,omitempty"`
}

type UserStats struct {
	IsHighPriority           bool `json:"isHighPriority"`
	AllTimeValidatorPayments Wei  `json:"allTimeValidatorPayments"`
	AllTimeGasSimulated      Wei  `json:"allTimeGasSimulated"`
	Last7dValidatorPayments  Wei  `json:"last7dValidatorPayments"`
	Last7dGasSimulated       Wei  `json:"last7dGasSimulated"`
	Last1dValidatorPayments  Wei  `json:"last1dValidatorPayments"`
	Last1dGasSimulated       Wei  `json:"last1dGasSimulated"`
}

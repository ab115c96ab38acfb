package flashbots

import (
	"math/big"

	"github.com/ethereum/go-ethereum/params"
)

var (
	ethDivisor  = new(big.Float).SetUint64(params.Ether)
	gweiDivisor = new(big.Float).SetUint64(params.GWei)
)

// formatUnits renders wei as "eth" or "gwei" for logs
func formatUnits(value *big.Int, unit string) string {
	if value == nil {
		return "0"
	}
	float := new(big.Float).SetInt(value)
	switch unit {
	case "eth":
		return float.Quo(float, ethDivisor).String()
	case "gwei":
		return float.Quo(float, gweiDivisor).String()
	default:
		return ""
	}
}

// Package flashbots implements a bundle relay client.
// Here is a full flow of data through the client:
//
// caller -> BundleRequest is built from raw signed transactions
//
// Middleware -> RelayClient.SimulateBundle calls eth_callBundle (optional)
// Middleware -> RelayClient.SendBundle calls eth_sendBundle and returns SubmittedBundle
//
//	every relay call is signed by the Authenticator (X-Flashbots-Signature header)
//
// SubmittedBundle -> PendingBundle polls the ChainReader until the target block is mined
// PendingBundle -> InclusionOutcome (Included, NotIncluded or Error), resolved exactly once
//
// Tracker wraps the flow above for long running processes: it journals submissions and outcomes
// to the Storage and publishes resolved outcomes to the OutcomeNotifier.
package flashbots

import "time"

const (
	SimulateBundleEndpointName = "eth_callBundle"
	SendBundleEndpointName     = "eth_sendBundle"
	BundleStatsEndpointName    = "flashbots_getBundleStatsV2"
	UserStatsEndpointName      = "flashbots_getUserStatsV2"

	// SignatureHeader carries "<address>:<signature>" of the request body
	SignatureHeader = "X-Flashbots-Signature"

	DefaultRelayURL     = "https://relay.flashbots.net"
	DefaultRelayTimeout = 12 * time.Second

	DefaultPollInterval    = 2 * time.Second
	DefaultMaxBlockLookups = 5

	// StateBlockLatest simulates on top of the latest block
	StateBlockLatest = "latest"
)

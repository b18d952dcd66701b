// Package chain resolves CAIP-2 chain identifiers and loads the RPC endpoints
// used for allowance reads and blockhash refreshes.
package chain

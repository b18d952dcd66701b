package chain

import (
	"strings"

	xerrors "listen-engine/internal/errors"
)

// CAIP-2 identifiers of the networks the bridge can route between.
const (
	Solana    = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	Ethereum  = "eip155:1"
	BSC       = "eip155:56"
	Arbitrum  = "eip155:42161"
	Base      = "eip155:8453"
	Blast     = "eip155:81457"
	Avalanche = "eip155:43114"
	Polygon   = "eip155:137"
	Scroll    = "eip155:534352"
	Optimism  = "eip155:10"
	Linea     = "eip155:59144"
	Gnosis    = "eip155:100"
	Fantom    = "eip155:250"
	Moonriver = "eip155:1285"
	Moonbeam  = "eip155:1284"
	Boba      = "eip155:288"
	Mode      = "eip155:34443"
	Metis     = "eip155:1088"
	Lisk      = "eip155:1135"
	Aurora    = "eip155:1313161554"
	Sei       = "eip155:1329"
	Immutable = "eip155:13371"
	Gravity   = "eip155:1625"
	Taiko     = "eip155:167000"
	Cronos    = "eip155:25"
	Fraxtal   = "eip155:252"
	Abstract  = "eip155:2741"
	Celo      = "eip155:42220"
	World     = "eip155:480"
	Mantle    = "eip155:5000"
	Berachain = "eip155:80094"
)

// SolanaChainID is the numeric id the bridge uses for Solana mainnet.
const SolanaChainID uint64 = 1151111081099710

var chainIDs = map[string]uint64{
	Solana:    SolanaChainID,
	Ethereum:  1,
	BSC:       56,
	Arbitrum:  42161,
	Base:      8453,
	Blast:     81457,
	Avalanche: 43114,
	Polygon:   137,
	Scroll:    534352,
	Optimism:  10,
	Linea:     59144,
	Gnosis:    100,
	Fantom:    250,
	Moonriver: 1285,
	Moonbeam:  1284,
	Boba:      288,
	Mode:      34443,
	Metis:     1088,
	Lisk:      1135,
	Aurora:    1313161554,
	Sei:       1329,
	Immutable: 13371,
	Gravity:   1625,
	Taiko:     167000,
	Cronos:    25,
	Fraxtal:   252,
	Abstract:  2741,
	Celo:      42220,
	World:     480,
	Mantle:    5000,
	Berachain: 80094,
}

// IsEVM reports whether caip2 names an EVM-family network.
func IsEVM(caip2 string) bool {
	return strings.HasPrefix(caip2, "eip155:")
}

// IsSolana reports whether caip2 names a Solana network.
func IsSolana(caip2 string) bool {
	return strings.HasPrefix(caip2, "solana:")
}

// ChainID resolves a CAIP-2 identifier to the bridge's numeric chain id.
func ChainID(caip2 string) (uint64, error) {
	id, ok := chainIDs[strings.TrimSpace(caip2)]
	if !ok {
		return 0, xerrors.New(xerrors.CodeUnknownChain, "unrecognised chain identifier "+caip2,
			xerrors.WithMetadata("caip2", caip2))
	}
	return id, nil
}

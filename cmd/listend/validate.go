package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"listen-engine/internal/chain"
	"listen-engine/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load the config and chain definitions and report what would be wired",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		defs, err := loadChains(cfg)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "store:   %s\n", cfg.Store.Driver)
		fmt.Fprintf(out, "feed:    %s\n", cfg.Feed.Driver)
		fmt.Fprintf(out, "api:     %s\n", cfg.Server.Address)
		ids := make([]string, 0, len(defs.Chains))
		for caip2 := range defs.Chains {
			ids = append(ids, caip2)
		}
		sort.Strings(ids)
		for _, caip2 := range ids {
			fmt.Fprintf(out, "chain:   %s %s\n", caip2, defs.Chains[caip2].RPCURL)
		}
		return nil
	},
}

func loadChains(cfg *config.Config) (chain.Definitions, error) {
	defs, err := chain.LoadDefinitions(cfg.Chains.DefinitionsPath)
	if err != nil {
		return chain.Definitions{}, err
	}
	return defs.Merge(cfg.Chains.RPCURLs), nil
}

package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jackyvictory/stable-coin-demo-sub001/pkg/config"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Print the configured token table",
	RunE:  runTokens,
}

func runTokens(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	registry := tokenRegistry(cfg)
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "SYMBOL\tNAME\tCONTRACT\tDECIMALS\n")
	for _, symbol := range registry.Symbols() {
		t := registry[symbol]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", t.Symbol, t.Name, t.Contract, t.Decimals)
	}
	fmt.Fprintf(w, "\nchain: %s (%d), receiver: %s\n", cfg.Chain.Name, cfg.Chain.ChainID, cfg.Payment.ReceiverAddress)
	return w.Flush()
}

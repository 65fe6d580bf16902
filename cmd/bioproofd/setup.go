package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"BioProof-Chain/internal/proofs/circuit"
)

func newCircuitSetupCommand() *cobra.Command {
	var (
		dir      string
		capacity int
	)
	cmd := &cobra.Command{
		Use:   "circuit-setup",
		Short: "Compile the range circuit and write Groth16 artifacts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Proofs.ArtifactDir
			}
			if capacity <= 0 {
				capacity = cfg.Proofs.Capacity
			}
			meta, err := circuit.Setup(dir, cfg.Proofs.CircuitID, capacity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "circuit %s: capacity=%d constraints=%d\nverification key: %s\n",
				meta.CircuitID, meta.Capacity, meta.Constraints, meta.VerificationKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "artifact directory (default proofs.artifact_dir)")
	cmd.Flags().IntVar(&capacity, "capacity", 0, "maximum readings per proof (default proofs.capacity)")
	return cmd
}

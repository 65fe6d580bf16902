package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"BioProof-Chain/internal/config"
)

var configPath string

// main 是 bioproofd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "bioproofd",
		Short:        "Biometric range proofs with ledger anchoring",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $BIOPROOF_CONFIG or configs/bioproof.json)")
	root.AddCommand(newServeCommand(), newCircuitSetupCommand())
	return root
}

// loadConfig 按 flag、环境变量、默认路径的顺序定位配置文件；默认文件缺失时使用内置默认值。
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("BIOPROOF_CONFIG")
	}
	if path != "" {
		return config.Load(path)
	}
	path = filepath.Join("configs", "bioproof.json")
	if _, err := os.Stat(path); err != nil {
		return config.Default("."), nil
	}
	return config.Load(path)
}

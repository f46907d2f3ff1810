// Package main provides the CLI entry point for the Enclave extension
// runtime.
//
// Enclave loads untrusted JavaScript/TypeScript extensions into sandboxed
// script engines, brokers every privileged operation through a
// capability-gated host-call bridge, and bounds all extension-owned work
// under structured-concurrency regions.
//
// # Basic Usage
//
// Run the runtime over the configured extension roots:
//
//	enclave run --config enclave.yaml
//
// Inspect what the manager would load:
//
//	enclave extensions list --config enclave.yaml
//
// Scan one extension before trusting it:
//
//	enclave preflight ./my-extension
//
// Check an extension's determinism under the lab scheduler:
//
//	enclave conformance run ./my-extension --seed 42
//
// # Environment Variables
//
//   - ENCLAVE_CONFIG: Path to configuration file (default: enclave.yaml)
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information - populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := buildRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "enclave",
		Short: "Sandboxed extension runtime for coding agents",
		Long: `Enclave hosts untrusted JavaScript/TypeScript extensions in embedded
script engines. Every privileged operation an extension performs goes
through a capability-gated host-call bridge, and all extension-owned
work is bounded by structured-concurrency regions with enforced
cleanup budgets.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().String("config", defaultConfigPath(), "path to configuration file")

	rootCmd.AddCommand(
		buildRunCmd(),
		buildExtensionsCmd(),
		buildPreflightCmd(),
		buildConformanceCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("ENCLAVE_CONFIG"); path != "" {
		return path
	}
	return "enclave.yaml"
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("enclave %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}

// Command tts-batch converts batches of text segments into audio files with a
// rotating pool of text-to-speech credentials.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Flag names.
const (
	flagConfig    = "config"
	flagKeyring   = "keyring"
	flagWorkers   = "workers"
	flagVoice     = "voice"
	flagOutput    = "output"
	flagLoop      = "loop"
	flagLoopCount = "loop-count"
	flagResume    = "resume"
	flagNormalize = "normalize"
	flagSave      = "save"
	flagImport    = "import"
	flagOut       = "out"
)

type rootOptions struct {
	configPath  string
	keyringPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "tts-batch",
		Short:         "Batch text-to-speech with credential rotation",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, flagConfig, "",
		"Path to project.toml (defaults to searching up the directory tree)")
	rootCmd.PersistentFlags().StringVar(&opts.keyringPath, flagKeyring, "",
		"Path to the keyring file (overrides paths.keyring_file)")

	rootCmd.AddCommand(
		newRunCmd(opts),
		newCreditsCmd(opts),
		newSayCmd(opts),
		newVoicesCmd(opts),
	)

	return rootCmd
}

func main() {
	err := newRootCmd().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tts-batch exited with error: %v\n", err)
		os.Exit(1)
	}
}

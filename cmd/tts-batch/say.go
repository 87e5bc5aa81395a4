package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/book-expert/tts-batch/internal/core"
	"github.com/book-expert/tts-batch/internal/credentials"
	"github.com/spf13/cobra"
)

const (
	defaultSayFileName = "say.mp3"
	msgFmtSaid         = "Wrote %s (%.1fs, %s) using %s\n"
)

var (
	// ErrNoUsableCredential is returned when every credential is exhausted or disabled.
	ErrNoUsableCredential = errors.New("no credential with remaining quota")
	// ErrNoVoice is returned when neither --voice nor engine.default_voice_id is set.
	ErrNoVoice = errors.New("no voice selected")
)

type sayOptions struct {
	voiceID string
	out     string
}

func newSayCmd(root *rootOptions) *cobra.Command {
	opts := &sayOptions{}

	cmd := &cobra.Command{
		Use:   "say <text>",
		Short: "Synthesize a single text with the credential that has the most quota left",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(root, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			return a.say(cmd.Context(), args[0], opts)
		},
	}

	cmd.Flags().StringVar(&opts.voiceID, flagVoice, "", "Voice id (defaults to engine.default_voice_id)")
	cmd.Flags().StringVar(&opts.out, flagOut, "", "Output file (defaults to say.mp3 in engine.output_dir)")

	return cmd
}

func (a *app) say(ctx context.Context, text string, opts *sayOptions) error {
	err := a.ensureCredentials()
	if err != nil {
		return err
	}

	voiceID := opts.voiceID
	if voiceID == "" {
		voiceID = a.cfg.Engine.DefaultVoiceID
	}

	if voiceID == "" {
		return ErrNoVoice
	}

	outputPath := opts.out
	if outputPath == "" {
		outputPath = filepath.Join(a.cfg.Engine.OutputDir, defaultSayFileName)
	}

	pool := credentials.NewPool(a.ring.Credentials(), a.cfg.Engine.MinCreditThreshold)

	cred, ok := pool.LeastRemaining()
	if !ok {
		return ErrNoUsableCredential
	}

	settings, err := a.ring.Voice(voiceID)
	if err != nil {
		a.log.Warn("Voice %s not in keyring, using default settings", voiceID)
		settings = core.DefaultVoiceSettings()
	}

	result, err := a.client.Synthesize(ctx, core.SynthesisRequest{
		Text:       text,
		VoiceID:    voiceID,
		Settings:   settings,
		Credential: cred,
		Proxy:      proxyFor(a.ring.Proxies(), cred),
		OutputPath: outputPath,
	})
	if err != nil {
		if core.KindOf(err) == core.FailureAuthInvalid {
			cred.Valid = false
			a.ring.UpdateCredential(cred)
			a.saveKeyring()
		}

		return fmt.Errorf("synthesis failed: %w", err)
	}

	item := core.WorkItem{Text: text}

	updated, ok := pool.RecordUsage(cred.ID, item.Characters())
	if ok {
		a.ring.UpdateCredential(updated)
		a.saveKeyring()
	}

	a.out.printf(msgFmtSaid, outputPath, result.DurationSeconds, result.Model, cred.DisplayName())

	return nil
}

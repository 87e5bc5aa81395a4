package main

import (
	"context"
	"fmt"

	"github.com/book-expert/tts-batch/internal/keyring"
	"github.com/spf13/cobra"
)

const (
	msgFmtVoiceLine = "%-24s %-28s %s\n"
	msgFmtImported  = "Imported %d new voices into %s\n"
)

func newVoicesCmd(root *rootOptions) *cobra.Command {
	var importVoices bool

	cmd := &cobra.Command{
		Use:   "voices",
		Short: "List the voices available to the account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			return a.listVoices(cmd.Context(), importVoices)
		},
	}

	cmd.Flags().BoolVar(&importVoices, flagImport, false, "Add listed voices to the keyring with default settings")

	return cmd
}

func (a *app) listVoices(ctx context.Context, importVoices bool) error {
	err := a.ensureCredentials()
	if err != nil {
		return err
	}

	pool := a.ring.Credentials()
	cred := pool[0]

	for _, candidate := range pool {
		if candidate.Enabled && candidate.Valid {
			cred = candidate

			break
		}
	}

	voices, err := a.client.Voices(ctx, cred, proxyFor(a.ring.Proxies(), cred))
	if err != nil {
		return fmt.Errorf("failed to list voices: %w", err)
	}

	entries := make([]keyring.Voice, 0, len(voices))

	for _, voice := range voices {
		a.out.printf(msgFmtVoiceLine, voice.VoiceID, voice.Name, voice.Category)
		entries = append(entries, keyring.Voice{ID: voice.VoiceID, Name: voice.Name})
	}

	if !importVoices {
		return nil
	}

	added := a.ring.MergeVoices(entries)

	saveErr := a.ring.Save()
	if saveErr != nil {
		return fmt.Errorf("failed to save keyring: %w", saveErr)
	}

	a.out.printf(msgFmtImported, added, a.ring.Path())

	return nil
}

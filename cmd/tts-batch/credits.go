package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/book-expert/tts-batch/internal/core"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	msgFmtCreditLine    = "%-20s %-12s %12s / %-12s remaining %s\n"
	msgFmtCreditInvalid = "%-20s rejected by the service, marked invalid\n"
	msgFmtCreditFailed  = "%-20s check failed: %v\n"
	msgFmtCreditDisable = "%-20s disabled, skipped\n"
	msgFmtCreditTotal   = "Total remaining: %s characters across %d credentials\n"
)

// ErrNoCredentialsConfigured is returned when the keyring holds no credentials.
var ErrNoCredentialsConfigured = errors.New("the keyring holds no credentials")

func newCreditsCmd(root *rootOptions) *cobra.Command {
	var save bool

	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Refresh the remaining quota of every credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(root, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer a.close()

			err = a.refreshCredits(cmd.Context())
			if err != nil {
				return err
			}

			if save {
				a.saveKeyring()
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&save, flagSave, true, "Write refreshed quotas back to the keyring")

	return cmd
}

// refreshCredits asks the service for each enabled credential's usage and
// records it in the keyring. Credentials the service rejects are marked invalid.
func (a *app) refreshCredits(ctx context.Context) error {
	creds := a.ring.Credentials()
	if len(creds) == 0 {
		return ErrNoCredentialsConfigured
	}

	proxies := a.ring.Proxies()
	total := 0
	usable := 0

	for _, cred := range creds {
		if !cred.Enabled {
			a.out.printf(msgFmtCreditDisable, cred.DisplayName())

			continue
		}

		sub, err := a.client.Subscription(ctx, cred, proxyFor(proxies, cred))
		if err != nil {
			if core.KindOf(err) == core.FailureAuthInvalid {
				cred.Valid = false
				a.ring.UpdateCredential(cred)
				a.out.printf(msgFmtCreditInvalid, cred.DisplayName())

				continue
			}

			a.log.Warn("Credit check failed for %s: %v", cred.DisplayName(), err)
			a.out.printf(msgFmtCreditFailed, cred.DisplayName(), err)

			continue
		}

		cred.Used = sub.CharacterCount
		cred.Limit = sub.CharacterLimit
		cred.Valid = true
		a.ring.UpdateCredential(cred)

		remaining := cred.Remaining()
		total += remaining
		usable++

		a.out.printf(msgFmtCreditLine, cred.DisplayName(), sub.Tier,
			humanize.Comma(int64(cred.Used)), humanize.Comma(int64(cred.Limit)),
			humanize.Comma(int64(remaining)))
	}

	a.out.printf(msgFmtCreditTotal, humanize.Comma(int64(total)), usable)
	a.log.Info("Refreshed credits: %d characters remaining", total)

	return nil
}

// ensureCredentials fails fast with a readable error for an empty keyring.
func (a *app) ensureCredentials() error {
	if len(a.ring.Credentials()) == 0 {
		return fmt.Errorf("%w: add [[credentials]] to %s", ErrNoCredentialsConfigured, a.ring.Path())
	}

	return nil
}

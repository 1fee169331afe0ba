package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"peerlink/crypto"
)

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage the local Ed25519 identity",
	}
	cmd.AddCommand(identityInitCmd(), identityShowCmd(), identityExportPhraseCmd(), identityRestoreCmd())
	return cmd
}

func identityInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the identity key and store it encrypted",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			defer func() { _ = app.logger.Sync() }()

			secret, err := resolvePassphrase()
			if err != nil {
				return err
			}
			identity, err := app.loadIdentity(secret)
			if err != nil {
				return err
			}
			defer identity.Wipe()

			fmt.Fprintf(cmd.OutOrStdout(), "Device ID:    %s\n", app.cfg.DeviceID)
			fmt.Fprintf(cmd.OutOrStdout(), "Public Key:   %s\n", identity.EncodedPublicKey())
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint:  %s\n", crypto.FormatFingerprint(identity.Fingerprint()))
			return nil
		},
	}
}

func identityShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the public key and fingerprint",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			publicKey, err := crypto.LoadPublicKey(app.cfg.IdentityPublicKeyPath)
			if errors.Is(err, fs.ErrNotExist) {
				return errors.New("no identity yet, run `peerlink identity init`")
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Device ID:    %s\n", app.cfg.DeviceID)
			fmt.Fprintf(cmd.OutOrStdout(), "Display Name: %s\n", app.cfg.DisplayName)
			fmt.Fprintf(cmd.OutOrStdout(), "Public Key:   %s\n", crypto.EncodePublicKey(publicKey))
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint:  %s\n", crypto.FormatFingerprint(crypto.KeyFingerprint(publicKey)))
			return nil
		},
	}
}

func identityExportPhraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export-phrase",
		Short: "Print the BIP-39 recovery phrase for the identity key",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			secret, err := resolvePassphrase()
			if err != nil {
				return err
			}
			identity, err := crypto.LoadIdentity(app.cfg.IdentityPrivateKeyPath, secret)
			if err != nil {
				return err
			}
			defer identity.Wipe()

			phrase, err := identity.Mnemonic()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), phrase)
			return nil
		},
	}
}

func identityRestoreCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <word>...",
		Short: "Recreate the identity key from a recovery phrase",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := loadApp()
			if err != nil {
				return err
			}
			secret, err := resolvePassphrase()
			if err != nil {
				return err
			}
			if _, err := os.Stat(app.cfg.IdentityPrivateKeyPath); err == nil && !force {
				return errors.New("identity already exists, pass --force to overwrite it")
			}

			identity, err := crypto.IdentityFromMnemonic(strings.Join(args, " "))
			if err != nil {
				return err
			}
			defer identity.Wipe()
			if err := crypto.SaveIdentity(app.cfg.IdentityPrivateKeyPath, identity, secret); err != nil {
				return err
			}
			if err := crypto.SavePublicKey(app.cfg.IdentityPublicKeyPath, identity.PublicKey); err != nil {
				return err
			}
			stored, err := app.loadIdentity(secret)
			if err != nil {
				return err
			}
			stored.Wipe()

			fmt.Fprintf(cmd.OutOrStdout(), "Restored identity %s\n", crypto.FormatFingerprint(identity.Fingerprint()))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing identity")
	return cmd
}

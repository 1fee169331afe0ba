package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerlink/config"
	"peerlink/crypto"
	"peerlink/logging"
)

const passphraseEnv = "PEERLINK_PASSPHRASE"

var (
	dataDir    string
	passphrase string
	logLevel   string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "peerlink",
		Short:         "Peer-to-peer end-to-end encrypted messaging",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if dataDir != "" {
				return os.Setenv(config.DataDirEnv, dataDir)
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: $"+config.DataDirEnv+" or the OS config dir)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity key (default: $"+passphraseEnv+")")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(runCmd(), relayCmd(), identityCmd())
	return root
}

// appContext is what every command loads first.
type appContext struct {
	cfg     *config.DeviceConfig
	cfgPath string
	dataDir string
	logger  *zap.Logger
}

func loadApp() (*appContext, error) {
	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	logger, err := logging.New(level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}
	return &appContext{cfg: cfg, cfgPath: cfgPath, dataDir: filepath.Dir(cfgPath), logger: logger}, nil
}

func resolvePassphrase() ([]byte, error) {
	if passphrase != "" {
		return []byte(passphrase), nil
	}
	if env := os.Getenv(passphraseEnv); env != "" {
		return []byte(env), nil
	}
	return nil, errors.New("passphrase required (-p or $" + passphraseEnv + ")")
}

// loadIdentity opens or creates the identity and keeps the stored
// fingerprint current.
func (a *appContext) loadIdentity(secret []byte) (*crypto.Identity, error) {
	identity, err := crypto.EnsureIdentity(a.cfg.IdentityPrivateKeyPath, a.cfg.IdentityPublicKeyPath, secret)
	if err != nil {
		return nil, fmt.Errorf("prepare identity: %w", err)
	}
	if fingerprint := identity.Fingerprint(); a.cfg.KeyFingerprint != fingerprint {
		a.cfg.KeyFingerprint = fingerprint
		if err := config.Save(a.cfgPath, a.cfg); err != nil {
			return nil, fmt.Errorf("persist key fingerprint: %w", err)
		}
	}
	return identity, nil
}

// masterKey derives the local master key, creating and persisting its salt
// on first use.
func (a *appContext) masterKey(secret []byte) ([]byte, error) {
	var salt []byte
	if a.cfg.MasterKeySalt != "" {
		decoded, err := base64.StdEncoding.DecodeString(a.cfg.MasterKeySalt)
		if err != nil {
			return nil, fmt.Errorf("decode master key salt: %w", err)
		}
		salt = decoded
	}

	key, usedSalt, err := crypto.DeriveMasterKey(secret, salt)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	if salt == nil {
		a.cfg.MasterKeySalt = base64.StdEncoding.EncodeToString(usedSalt)
		if err := config.Save(a.cfgPath, a.cfg); err != nil {
			crypto.Wipe(key)
			return nil, fmt.Errorf("persist master key salt: %w", err)
		}
	}
	return key, nil
}

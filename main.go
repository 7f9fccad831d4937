package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/dlcdevkit/go-ddk/lib/chain"
	"github.com/dlcdevkit/go-ddk/lib/config"
	"github.com/dlcdevkit/go-ddk/lib/keys"
	"github.com/dlcdevkit/go-ddk/lib/router"
	"github.com/dlcdevkit/go-ddk/lib/util"
	"github.com/dlcdevkit/go-ddk/lib/util/signals"
	"github.com/dlcdevkit/go-ddk/lib/wire"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var log = logger.GetGoI2PLogger()

const commandTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "go-ddk",
	Short: "DLC message transport over Nostr relays",
	Long: `go-ddk carries encrypted DLC negotiation messages and plaintext oracle
announcements between wallets through a set of Nostr relays.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.InitConfig()
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the transport and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewRouterConfigFromViper()
		r, err := router.CreateRouter(cfg)
		if err != nil {
			return oops.Wrapf(err, "failed to create router")
		}
		util.RegisterCloser("router", r)

		go signals.Handle()
		defer signals.StopHandle()
		signals.RegisterReloadHandler(func() {
			if err := config.InitConfig(); err != nil {
				log.WithError(err).Warn("failed to reload configuration")
				return
			}
			// a running router keeps its settings until restart
			log.WithField("file", viper.ConfigFileUsed()).Info("configuration reloaded")
		})
		signals.RegisterInterruptHandler(func() {
			r.Stop()
		})

		if err := r.Start(cmd.Context()); err != nil {
			if cerr := util.CloseAll(); cerr != nil {
				log.WithError(cerr).Warn("shutdown after failed start")
			}
			return oops.Wrapf(err, "failed to start router")
		}
		fmt.Fprintf(cmd.OutOrStdout(), "listening as %s\n", r.Address())
		r.Wait()
		return util.CloseAll()
	},
}

var pubkeyCmd = &cobra.Command{
	Use:   "pubkey",
	Short: "Print the address of the configured wallet, creating the key if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.NewRouterConfigFromViper()
		id, err := keys.LoadOrCreate(cfg.BaseDir, cfg.WalletName)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id.Address())
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <recipient> <type> <hex-payload>",
	Short: "Send one negotiation message to a counterparty",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		msgType, err := strconv.ParseUint(args[1], 10, 16)
		if err != nil {
			return oops.Wrapf(err, "invalid message type %q", args[1])
		}
		body, err := hex.DecodeString(args[2])
		if err != nil {
			return oops.Wrapf(err, "payload is not hex")
		}

		r, err := router.CreateRouter(config.NewRouterConfigFromViper())
		if err != nil {
			return err
		}
		defer r.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		if err := r.Start(ctx); err != nil {
			return err
		}
		msg := &wire.NegotiationPayload{Type: uint16(msgType), Payload: body}
		if err := r.Send(ctx, args[0], msg); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes of type %d to %s\n", len(body), msgType, args[0])
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Validate(config.NewRouterConfigFromViper()); err != nil {
			return err
		}
		out, err := yaml.Marshal(viper.AllSettings())
		if err != nil {
			return oops.Wrapf(err, "encoding configuration")
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var confirmationsCmd = &cobra.Command{
	Use:   "confirmations <txid>",
	Short: "Print the confirmation count of a transaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		txid, err := chainhash.NewHashFromStr(args[0])
		if err != nil {
			return oops.Wrapf(err, "invalid txid %q", args[0])
		}
		cfg := config.NewRouterConfigFromViper()
		if cfg.Chain.EsploraURL == "" {
			return oops.Errorf("chain.esplora_url is not configured")
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
		defer cancel()
		n, err := chain.NewEsploraClient(cfg.Chain.EsploraURL).GetConfirmations(ctx, *txid)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default is $HOME/.go-ddk/config.yaml)")
	rootCmd.PersistentFlags().String("wallet", "", "wallet name selecting the identity key")
	rootCmd.PersistentFlags().StringSlice("relay", nil, "relay url, repeatable")
	_ = viper.BindPFlag("wallet.name", rootCmd.PersistentFlags().Lookup("wallet"))
	_ = viper.BindPFlag("relay.urls", rootCmd.PersistentFlags().Lookup("relay"))

	rootCmd.AddCommand(runCmd, pubkeyCmd, sendCmd, configCmd, confirmationsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/layer-3/didconnect/adapters/events"
	"github.com/layer-3/didconnect/adapters/identity"
	"github.com/layer-3/didconnect/adapters/navigation"
	"github.com/layer-3/didconnect/adapters/provider"
	"github.com/layer-3/didconnect/adapters/store"
	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/internal/metrics"
	"github.com/layer-3/didconnect/ports"
	"github.com/layer-3/didconnect/service"
)

const installHint = "No wallet provider found. Install MetaMask or point --rpc at a wallet endpoint."

var (
	connectRPC     string
	connectProfile string
	connectNoAuth  bool
	connectWatch   bool
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect a wallet and authenticate a DID session",
	Long: `Connects to a wallet over JSON-RPC, requests account access and
authenticates a DID session against the identity node.

With --watch the command keeps following account changes: switching
accounts re-authenticates, disconnecting every account ends the session.`,
	RunE: runConnect,
}

func init() {
	connectCmd.Flags().StringVar(&connectRPC, "rpc", "", "wallet JSON-RPC endpoint (overrides config)")
	connectCmd.Flags().StringVar(&connectProfile, "profile", "", "YAML profile to merge after authenticating")
	connectCmd.Flags().BoolVar(&connectNoAuth, "no-auth", false, "connect the wallet only")
	connectCmd.Flags().BoolVarP(&connectWatch, "watch", "w", false, "follow account changes until interrupted")
}

func runConnect(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	out := cmd.OutOrStdout()

	if connectRPC != "" {
		cfg.Client.RPCURL = connectRPC
	}
	strategy, err := core.ParseDerivationStrategy(cfg.Client.Derivation)
	if err != nil {
		return err
	}

	infra, err := newBackend(cfg.Redis.URL, log)
	if err != nil {
		return err
	}
	defer infra.Close()

	bus := gochannel.NewGoChannel(gochannel.Config{}, events.NewZapLogger(log.Named("watermill")))
	defer bus.Close()

	routes, err := bus.Subscribe(ctx, navigation.Topic)
	if err != nil {
		return err
	}
	go printRoutes(out, routes)

	walletProvider := dialWallet(ctx)
	if closer, ok := walletProvider.(*provider.RPCProvider); ok {
		defer closer.Close()
	}

	m := metrics.New(prometheus.NewRegistry())
	wallet := service.NewWalletController(walletProvider, log, m)
	did := service.NewDIDController(
		wallet,
		identity.NewHTTPClient(cfg.Client.IdentityURL, &http.Client{Timeout: cfg.Client.RequestTimeout}, log),
		noteStore(infra),
		service.DIDOptions{
			ChainNamespace: core.ChainNamespace(cfg.Client.ChainID),
			Strategy:       strategy,
			SettleTimeout:  cfg.Client.SettleTimeout,
		},
		log,
		m,
	)
	flow := service.NewFlow(
		wallet,
		did,
		navigation.NewWatermillNavigator(bus),
		events.NewWatermillPublisher(bus),
		cfg.Client.AutoAuthenticate && connectWatch,
		log,
	)
	defer flow.Close()

	if err := flow.Mount(ctx); err != nil {
		return withHint(out, err)
	}

	addr, err := flow.Connect(ctx)
	if err != nil {
		return withHint(out, err)
	}
	fmt.Fprintf(out, "connected %s\n", addr.Short())
	reportChain(ctx, wallet)
	if balance, err := wallet.Balance(ctx); err == nil {
		fmt.Fprintf(out, "balance %s ETH\n", balance.StringFixed(4))
	}

	if !connectNoAuth {
		id, err := flow.Authenticate(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "did %s\n", id)

		if connectProfile != "" {
			profile, err := loadProfile(connectProfile)
			if err != nil {
				return err
			}
			if err := flow.SubmitProfile(ctx, profile); err != nil {
				return fmt.Errorf("submit profile: %w", err)
			}
			fmt.Fprintln(out, "profile saved")
		}
	}

	if connectWatch {
		<-ctx.Done()
		flow.Wait()
	}
	return nil
}

// dialWallet returns nil when no wallet endpoint can be reached, which the
// controllers report as core.ErrProviderUnavailable.
func dialWallet(ctx context.Context) ports.WalletProvider {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	p, err := provider.Dial(dialCtx, cfg.Client.RPCURL, cfg.Client.AccountPollInterval, log)
	if err != nil {
		log.Warn("wallet endpoint unreachable", zap.String("url", cfg.Client.RPCURL), zap.Error(err))
		return nil
	}
	// http endpoints dial lazily, so check the endpoint answers before trusting it
	if _, err := p.ChainID(dialCtx); err != nil {
		p.Close()
		log.Warn("wallet endpoint unreachable", zap.String("url", cfg.Client.RPCURL), zap.Error(err))
		return nil
	}
	return p
}

func noteStore(infra *backend) ports.NoteStore {
	if cfg.Client.NoteFile != "" {
		return store.NewFileNoteStore(cfg.Client.NoteFile)
	}
	return infra.notes
}

func reportChain(ctx context.Context, wallet *service.WalletController) {
	id, err := wallet.ChainID(ctx)
	if err != nil {
		log.Debug("chain id unavailable", zap.Error(err))
		return
	}
	if id != cfg.Client.ChainID {
		log.Warn("wallet is on a different chain than the configured one",
			zap.Int64("wallet", id), zap.Int64("configured", cfg.Client.ChainID))
	}
}

func withHint(out io.Writer, err error) error {
	if errors.Is(err, core.ErrProviderUnavailable) {
		fmt.Fprintln(out, installHint)
	}
	return err
}

func printRoutes(out io.Writer, routes <-chan *message.Message) {
	for msg := range routes {
		fmt.Fprintf(out, "-> %s\n", msg.Payload)
		msg.Ack()
	}
}

func loadProfile(path string) (core.Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return core.Profile{}, fmt.Errorf("read profile: %w", err)
	}
	var profile core.Profile
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return core.Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	return profile, nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/layer-3/didconnect/adapters/events"
	"github.com/layer-3/didconnect/adapters/store"
	"github.com/layer-3/didconnect/adapters/tokenizer"
	"github.com/layer-3/didconnect/internal/metrics"
	"github.com/layer-3/didconnect/ports"
	"github.com/layer-3/didconnect/service"
	transporthttp "github.com/layer-3/didconnect/transport/http"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the identity node",
	Long: `Runs the identity node HTTP API.

Wallets request a challenge, sign it with personal_sign and redeem the
signature for an access/refresh token pair bound to their did:pkh.
With redis configured, invalidated tokens and profiles are shared between
instances and logout events are published to a redis stream.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	key, generated, err := tokenizer.LoadSigningKey(cfg.Server.SigningKeyFile)
	if err != nil {
		return err
	}
	if generated {
		log.Warn("no signing key configured, tokens will not survive a restart")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	infra, err := newBackend(cfg.Redis.URL, log)
	if err != nil {
		return err
	}
	defer infra.Close()

	authService := service.NewAuthService(
		tokenizer.NewJWTTokenizer(key),
		infra.tokens,
		infra.profiles,
		events.NewWatermillPublisher(infra.publisher),
		service.AuthConfig{
			ChainID:      cfg.Server.ChainID,
			ChallengeTTL: cfg.Server.ChallengeTTL,
			AccessTTL:    cfg.Server.AccessTTL,
			RefreshTTL:   cfg.Server.RefreshTTL,
		},
		log,
		m,
	)

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           transporthttp.SetupRouter(authService, reg, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("identity node listening", zap.String("addr", cfg.Server.Addr), zap.Bool("redis", infra.redis != nil))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down identity node")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// backend groups the stores and publisher, either redis-backed or in memory.
type backend struct {
	redis     *redis.Client
	tokens    ports.Store
	profiles  ports.ProfileStore
	notes     ports.NoteStore
	publisher message.Publisher
}

func newBackend(redisURL string, logger *zap.Logger) (*backend, error) {
	wmLogger := events.NewZapLogger(logger.Named("watermill"))

	if redisURL == "" {
		return &backend{
			tokens:    store.NewMemoryStore(),
			profiles:  store.NewMemoryProfileStore(),
			notes:     store.NewMemoryNoteStore(),
			publisher: gochannel.NewGoChannel(gochannel.Config{}, wmLogger),
		}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{Client: client}, wmLogger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to create redis publisher: %w", err)
	}

	return &backend{
		redis:     client,
		tokens:    store.NewRedisStore(client),
		profiles:  store.NewRedisProfileStore(client),
		notes:     store.NewRedisNoteStore(client),
		publisher: publisher,
	}, nil
}

func (b *backend) Close() {
	if err := b.publisher.Close(); err != nil {
		log.Warn("failed to close publisher", zap.Error(err))
	}
	if b.redis != nil {
		_ = b.redis.Close()
	}
}

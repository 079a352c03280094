package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/palaver-chat/palaver/gateway"
	"github.com/palaver-chat/palaver/producer"
	"github.com/palaver-chat/palaver/rest"
	"github.com/palaver-chat/palaver/snowflake"
	"github.com/palaver-chat/palaver/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration file")
	reset := flag.Bool("reset", false, "wipe the storage backend before starting")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()

	config, err := LoadConfiguration(*configPath)
	if err != nil {
		logger.Panic().Err(err).Str("path", *configPath).Msg("Loading configuration failed")
	}

	if config.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var repo store.Repository
	if config.Storage == "redis" {
		repo, err = store.NewRedis(logger, config.RedisAddress, config.RedisPassword, config.RedisDatabase, config.RedisPrefix)
		if err != nil {
			logger.Panic().Err(err).Str("address", config.RedisAddress).Msg("Connecting to redis failed")
		}
	} else {
		repo = store.NewMemory()
	}
	defer repo.Close()

	ctx := context.Background()

	if *reset {
		logger.Info().Msg("Wiping storage")

		err = repo.Reset(ctx)
		if err != nil {
			logger.Panic().Err(err).Msg("Wiping storage failed")
		}
	}

	st, err := repo.Load(ctx, config.MaxMessages)
	if err != nil {
		logger.Panic().Err(err).Msg("Loading state failed")
	}

	users, guilds, channels, messages := st.Counts()
	logger.Info().
		Int("users", users).
		Int("guilds", guilds).
		Int("channels", channels).
		Int("messages", messages).
		Msg("State loaded")

	var prod *producer.Producer
	if config.ProducerEnabled {
		prod = producer.NewProducer(logger, config.NatsAddress, config.ClusterID, config.ClientID, config.NatsChannel, config.Blacklist)

		err = prod.Open()
		if err != nil {
			logger.Panic().Err(err).Str("address", config.NatsAddress).Msg("Connecting to NATS failed")
		}
	}

	gw := gateway.NewGateway(st, prod, logger, gateway.Options{
		HeartbeatMin: time.Duration(config.HeartbeatMinMsec) * time.Millisecond,
		HeartbeatMax: time.Duration(config.HeartbeatMaxMsec) * time.Millisecond,
		SendBuffer:   config.SendBuffer,
		DetachedTTL:  time.Duration(config.DetachedTTLMsec) * time.Millisecond,
	})

	api := rest.NewServer(st, repo, gw, snowflake.NewGenerator(), logger, rest.Options{
		GatewayURL: config.GatewayURL,
		AdminToken: config.AdminToken,
	})

	janitor := NewJanitor(logger, st, repo, gw, api)
	go janitor.Run()

	mux := http.NewServeMux()
	mux.Handle("/gateway", gw)
	mux.Handle("/", api.Handler())

	server := &http.Server{
		Addr:    config.Host,
		Handler: mux,
	}

	go func() {
		logger.Info().Str("host", config.Host).Str("gateway", config.GatewayURL).Msg("Serving. Do ^C to close")

		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Panic().Err(err).Msg("Listener failed")
		}
	}()

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	logger.Info().Msg("Closing all sessions")

	janitor.Stop()

	// Clients get a RECONNECT and a clean close so they resume against
	// the next process instead of timing out.
	gw.Close()

	shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	prod.Close()
}

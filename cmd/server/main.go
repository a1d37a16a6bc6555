package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cipherchat/internal/config"
	"cipherchat/internal/cryptographic/envelope"
	"cipherchat/internal/cryptographic/fieldcodec"
	friendRepo "cipherchat/internal/repository/friend"
	ghostRepo "cipherchat/internal/repository/ghost"
	messageRepo "cipherchat/internal/repository/message"
	missedRepo "cipherchat/internal/repository/missedcall"
	roomkeyRepo "cipherchat/internal/repository/roomkey"
	ghostSvc "cipherchat/internal/service/ghost"
	"cipherchat/internal/service/media"
	"cipherchat/internal/service/redis"
	"cipherchat/internal/service/registry"
	"cipherchat/internal/service/relay"
	"cipherchat/internal/service/server"
	signalSvc "cipherchat/internal/service/signal"
	"cipherchat/internal/service/sweeper"
	"cipherchat/internal/utils/log"

	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "optional config file path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if err := log.Init(cfg.LogLevel); err != nil {
		panic(err)
	}
	defer log.Sync()

	masterKey, err := cfg.MasterKey()
	if err != nil {
		log.Fatal("load master key", zap.Error(err))
	}
	env, err := envelope.New(masterKey)
	if err != nil {
		log.Fatal("init envelope", zap.Error(err))
	}
	codec, err := fieldcodec.New(masterKey)
	if err != nil {
		log.Fatal("init field codec", zap.Error(err))
	}

	mongoClient, err := initMongo(cfg.Mongo.URI)
	if err != nil {
		log.Fatal("connect mongo", zap.Error(err))
	}
	db := mongoClient.Database(cfg.Mongo.Database)

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	redisSvc := redis.NewRedis(rdb)

	messages := messageRepo.NewRepo(db)
	roomKeys := roomkeyRepo.NewRepo(db, env)
	missed := missedRepo.NewRepo(db)
	ghosts := ghostRepo.NewRepo(db)
	friends := friendRepo.NewRepo(db)

	indexCtx, cancelIndex := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelIndex()
	for _, ensure := range []func(context.Context) error{
		messages.EnsureIndexes,
		roomKeys.EnsureIndexes,
		ghosts.EnsureIndexes,
	} {
		if err := ensure(indexCtx); err != nil {
			log.Fatal("ensure indexes", zap.Error(err))
		}
	}

	reg := registry.New()
	rel := relay.New(messages, roomKeys, friends, reg, env, codec)
	sig := signalSvc.New(reg, missed, cfg.CallTimeout)
	ghostMgr := ghostSvc.NewManager(ghosts, redisSvc, reg, env, codec, cfg.GhostSessionTTL, cfg.GhostCodeTTL)

	sweep := sweeper.New(messages, ghosts, media.NewStore(cfg.MediaRoot), reg, codec, cfg.SweepInterval, cfg.HeartbeatWindow)
	if err := sweep.Start(context.Background()); err != nil {
		log.Fatal("start sweeper", zap.Error(err))
	}

	srv := server.NewHttpServer(cfg.ListenAddress, reg, rel, sig, ghostMgr, missed, prometheus.DefaultRegisterer)
	go func() {
		if err := srv.Run(); err != nil {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown", zap.Error(err))
	}
	sweep.Stop()
	if err := mongoClient.Disconnect(shutdownCtx); err != nil {
		log.Error("mongo disconnect", zap.Error(err))
	}
	if err := rdb.Close(); err != nil {
		log.Error("redis close", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}

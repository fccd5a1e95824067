package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/finsync/internal/config"
	"github.com/iurnickita/finsync/internal/handler"
	"github.com/iurnickita/finsync/internal/logger"
	"github.com/iurnickita/finsync/internal/mapper"
	"github.com/iurnickita/finsync/internal/service"
	"github.com/iurnickita/finsync/internal/situacao"
	"github.com/iurnickita/finsync/internal/store"
	"github.com/iurnickita/finsync/internal/token"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// -once: один запуск синхронизации и выход (cron)
	// -dry-run: посчитать, что было бы загружено, без записи
	once := flag.Bool("once", false, "run one sync and exit")
	dryRun := flag.Bool("dry-run", false, "fetch and filter without writing, print counts and exit")
	flag.Parse()

	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	mapper, err := mapper.New(cfg.Mapper, nil)
	if err != nil {
		return err
	}

	tokens := token.NewProvider(cfg.Token)
	service, err := service.NewService(cfg.Service, store, tokens, mapper, zaplog)
	if err != nil {
		return err
	}
	// до store.Close: идущий запуск должен успеть записать итог
	defer service.Close()

	switch {
	case *dryRun:
		res, err := service.DryRun(ctx)
		if err != nil {
			return err
		}
		return json.NewEncoder(os.Stdout).Encode(res)
	case *once:
		_, err := service.Sync(ctx)
		return err
	}

	situacao := situacao.NewSituacao(store, zaplog)

	go func() {
		if err := service.Run(ctx); err != nil {
			zaplog.Error("sync scheduler stopped", zap.Error(err))
		}
	}()

	return handler.Serve(ctx, cfg.Handler, service, situacao, zaplog)
}

package main

import (
	"go.uber.org/zap"

	"github.com/iurnickita/keydelivery/internal/config"
	"github.com/iurnickita/keydelivery/internal/logger"
	"github.com/iurnickita/keydelivery/internal/service"
	"github.com/iurnickita/keydelivery/internal/store"
)

// app holds the process dependencies shared by the commands.
type app struct {
	cfg     config.Config
	zaplog  *zap.Logger
	store   store.Store
	service service.Service
}

func newApp() (*app, error) {
	cfg, err := config.GetConfig()
	if err != nil {
		return nil, err
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return nil, err
	}

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	service := service.NewService(cfg.Service, store, zaplog)

	return &app{
		cfg:     cfg,
		zaplog:  zaplog,
		store:   store,
		service: service,
	}, nil
}

func (a *app) Close() {
	a.store.Close()
	a.zaplog.Sync()
}

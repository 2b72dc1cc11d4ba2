package main

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Pasivchik/twitter-back/internal/config"
	"github.com/Pasivchik/twitter-back/internal/db"
	"github.com/Pasivchik/twitter-back/internal/media"
	"github.com/Pasivchik/twitter-back/internal/metrics"
	"github.com/Pasivchik/twitter-back/internal/service"
	"github.com/Pasivchik/twitter-back/internal/transport"
)

func main() {
	app := fx.New(
		fx.Provide(
			config.NewConfig,
			newLogger,
			db.NewGormClient,
			media.NewStore,
			metrics.New,
			service.NewGeneral,
		),
		fx.Invoke(transport.NewHTTPServer),
	)

	app.Run()
}

func newLogger() (*zap.SugaredLogger, error) {
	l, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}

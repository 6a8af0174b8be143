package main

import (
	"flag"

	"go.uber.org/zap"

	"github.com/cadreworks/cadre/internal/app"
)

func main() {
	listen := flag.String("listen", ":8080", "listen address")
	dir := flag.String("dir", ".", "configuration and web root directory")
	flag.Parse()

	srv, err := app.NewExpo(*listen, *dir)
	if err != nil {
		zap.L().Fatal("expo startup failed", zap.Error(err))
	}
	if err := srv.Run(); err != nil {
		zap.L().Fatal("expo exited", zap.Error(err))
	}
}

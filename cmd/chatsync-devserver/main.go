package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/devserver"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/store"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8080", "listen address")
	dbPath := flag.String("db", "", "sqlite database path (default ~/.chatsync/devserver/chatsync.db)")
	token := flag.String("token", "", "require this bearer token")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	logger, err := newLogger(*debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(*addr, *dbPath, *token, logger); err != nil {
		logger.Fatal("devserver failed", zap.Error(err))
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func run(addr, dbPath, token string, logger *zap.Logger) error {
	if dbPath == "" {
		dbPath = session.DevServerDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return err
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	if _, err := db.Migrate(logger.With(zap.String("path", dbPath))); err != nil {
		return err
	}

	srv := devserver.New(devserver.Config{Token: token}, db, logger)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

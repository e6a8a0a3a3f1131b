// Command arena-server runs arena rooms over WebSocket and, when enabled,
// raw QUIC and WebTransport.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/QYUbit/roomsync/internal/arena"
	"github.com/QYUbit/roomsync/internal/config"
	"github.com/QYUbit/roomsync/pkg/server"
	"github.com/QYUbit/roomsync/pkg/synclog/logrusadapter"
	"github.com/QYUbit/roomsync/pkg/transport"
	quictransport "github.com/QYUbit/roomsync/pkg/transport/quic"
	websockets "github.com/QYUbit/roomsync/pkg/transport/websocket"
	wttransport "github.com/QYUbit/roomsync/pkg/transport/webtransport"
	"github.com/gorilla/mux"
	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"
)

// ALPN of the raw QUIC transport.
const quicProto = "roomsync"

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(os.Args[0], os.Args[1:], os.LookupEnv, os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	logger := logrusadapter.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.WithError(err).Fatal("invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server failed")
	}
}

type listener struct {
	name  string
	t     transport.Transport
	serve func() error
	stop  func(ctx context.Context) error
}

func run(cfg config.Config, logger *logrus.Logger) error {
	log := logrusadapter.New(logger)

	srv := server.NewServer(server.ServerConfig{Logger: log})
	srv.Define(arena.RoomType, arena.New, server.RoomOptions{
		SimulationInterval: cfg.SimulationInterval,
		PatchInterval:      cfg.PatchInterval,
		MaxMembers:         cfg.MaxMembers,
		AutoDispose:        cfg.AutoDispose,
	})

	listeners, err := setup(cfg, srv)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 2*len(listeners))
	for _, l := range listeners {
		go func() {
			if err := l.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
		go func() {
			if err := srv.Serve(ctx, l.t); err != nil && ctx.Err() == nil {
				errc <- err
			}
		}()
		log.Info("listening", "transport", l.name)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown initiated")
	case err = <-errc:
		log.Error("listener failed", "error", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if serr := srv.Shutdown(sctx); serr != nil {
		log.Error("failed to shut down rooms", "error", serr)
	}
	for _, l := range listeners {
		if serr := l.stop(sctx); serr != nil {
			log.Warn("failed to stop listener", "transport", l.name, "error", serr)
		}
	}
	return err
}

func setup(cfg config.Config, srv *server.Server) ([]listener, error) {
	ws := websockets.NewTransport(websockets.Options{})

	router := mux.NewRouter()
	router.Handle("/ws", ws)
	router.HandleFunc("/healthz", health(srv)).Methods(http.MethodGet)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listeners := []listener{{
		name:  "websocket " + cfg.Addr,
		t:     ws,
		serve: httpSrv.ListenAndServe,
		stop: func(ctx context.Context) error {
			ws.Close()
			return httpSrv.Shutdown(ctx)
		},
	}}

	if cfg.QUICAddr == "" && cfg.WebTransportAddr == "" {
		return listeners, nil
	}

	tlsCfg, err := loadTLS(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}

	if cfg.QUICAddr != "" {
		qcfg := tlsCfg.Clone()
		qcfg.NextProtos = []string{quicProto}

		qt := quictransport.NewTransport(cfg.QUICAddr, qcfg, &quic.Config{
			KeepAlivePeriod: 15 * time.Second,
		})
		if err := qt.Listen(); err != nil {
			return nil, err
		}
		done := make(chan struct{})
		listeners = append(listeners, listener{
			name: "quic " + cfg.QUICAddr,
			t:    qt,
			serve: func() error {
				<-done
				return nil
			},
			stop: func(context.Context) error {
				close(done)
				return qt.Close()
			},
		})
	}

	if cfg.WebTransportAddr != "" {
		wt := wttransport.NewTransport(cfg.WebTransportAddr, tlsCfg.Clone())
		wtRouter := mux.NewRouter()
		wtRouter.Handle("/wt", wt)
		wt.Server().H3.Handler = wtRouter

		listeners = append(listeners, listener{
			name:  "webtransport " + cfg.WebTransportAddr,
			t:     wt,
			serve: wt.Server().ListenAndServe,
			stop: func(context.Context) error {
				return wt.Close()
			},
		})
	}

	return listeners, nil
}

type healthResponse struct {
	Status   string `json:"status"`
	Rooms    int    `json:"rooms"`
	Sessions int    `json:"sessions"`
}

func health(srv *server.Server) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(healthResponse{
			Status:   "ok",
			Rooms:    srv.RoomCount(),
			Sessions: srv.SessionCount(),
		})
	}
}

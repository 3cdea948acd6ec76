package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/cmd/gateway/config"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine/pionengine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/networking"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/registry"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/topology"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

const shutdownTimeout = 5 * time.Second

func handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "relaygate media gateway")
}

// handleRoom reports whether a room exists. Rooms are named by the id of
// their ingest router.
func handleRoom(reg *registry.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		roomID := r.PathValue("roomId")
		requestLogger := slog.Default().WithGroup("request").With(
			"requestUUID", uuid.New().String(),
			"roomId", roomID,
		)

		router, err := registry.Lookup[engine.Router](reg, registry.KindRouter, roomID)
		if err != nil || router.Plane() != engine.PlaneIngest {
			requestLogger.Debug("room not found", "err", err)
			http.Error(w, fmt.Sprintf("room with id %q not found", roomID), http.StatusNotFound)
			return
		}
		requestLogger.Debug("room found")
		w.WriteHeader(http.StatusNoContent)
	}
}

func main() {
	configFilePath := flag.String("configFilePath", "config.yaml", "Set the file path to the config file.")
	flag.Parse()

	config.LoadConfig(*configFilePath)
	logFilePointer, err := utils.ConfigureDefaultLogger(
		viper.GetString("loglevel"),
		viper.GetString("logfile"),
		slog.HandlerOptions{},
	)
	if err != nil {
		slog.Error("error while configuring default logger", "err", err)
		panic(err)
	}
	if logFilePointer != nil {
		defer logFilePointer.Close()
	}

	// --------------------------------------------------------------------------------

	codecs, err := utils.GetRouterMediaCodecs(viper.GetStringSlice("codecs"))
	if err != nil {
		slog.Error("error while loading codecs", "err", err)
		panic(err)
	}

	mediaEngine, err := pionengine.New(config.EngineConfig(), slog.Default().WithGroup("engine"))
	if err != nil {
		slog.Error("error while starting media engine", "err", err)
		panic(err)
	}
	defer mediaEngine.Close()

	reg := registry.New()
	topologyManager := topology.NewManager(mediaEngine, reg, topology.Config{
		MediaCodecs:   codecs,
		RelayListenIP: "127.0.0.1",
	}, slog.Default().WithGroup("topology"))

	launcher := pipeline.NewLauncher(config.PipelineConfig(), slog.Default().WithGroup("pipeline"))
	defer launcher.StopAll()

	handler := signalling.NewHandler(topologyManager, reg, launcher, config.HandlerConfig(), slog.Default().WithGroup("signalling"))
	gateway := networking.NewGateway(handler, networking.DefaultGatewayConfig(), slog.Default().WithGroup("gateway"))
	defer gateway.Close()

	// --------------------------------------------------------------------------------

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /rooms/{roomId}", handleRoom(reg))
	mux.Handle("GET /ws", gateway)

	listenAddress := net.JoinHostPort(viper.GetString("listenip"), strconv.Itoa(viper.GetInt("listenport")))
	server := &http.Server{
		Addr:              listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		certFile, keyFile := viper.GetString("tls.cert"), viper.GetString("tls.key")
		if certFile != "" && keyFile != "" {
			slog.Info("starting gateway listening with tls", "listenAddress", listenAddress)
			serveErr <- server.ListenAndServeTLS(certFile, keyFile)
			return
		}
		slog.Warn("no tls certificate configured, serving plain http", "listenAddress", listenAddress)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("error during listen and serve", "err", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down gateway")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	gateway.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("error during server shutdown", "err", err)
	}
}

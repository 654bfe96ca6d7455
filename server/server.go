package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/tuntcp/config"
	"github.com/Clouded-Sabre/tuntcp/lib"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	tunName := flag.String("tun", "", "TUN device name, overrides the config file")
	port := flag.Uint("port", 8080, "TCP port to listen on")
	debug := flag.Bool("debug", false, "per-segment tracing")
	flag.Parse()

	cfg := lib.DefaultInterfaceConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadConfig(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error loading config:", err)
			os.Exit(1)
		}
	}
	if *tunName != "" {
		cfg.TunName = *tunName
	}
	if *debug {
		cfg.Debug = true
	}
	// handler goroutines read in blocking mode
	cfg.BlockingRead = true

	logger := newServerLogger(cfg.Debug)
	defer logger.Sync()
	cfg.Logger = logger

	ifce, err := lib.Open(cfg)
	if err != nil {
		logger.Fatal("opening interface", zap.String("tun", cfg.TunName), zap.Error(err))
	}

	ln, err := ifce.Bind(uint16(*port))
	if err != nil {
		ifce.Close()
		logger.Fatal("binding port", zap.Uint("port", *port), zap.Error(err))
	}
	logger.Info("server started", zap.String("tun", cfg.TunName), zap.Uint16("port", ln.Port()))

	// Listen for interrupt signal (Ctrl+C)
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalChan
		logger.Info("received signal, shutting down")
		ifce.Close()
	}()

	for {
		stream, err := ln.Accept()
		if err != nil {
			if errors.Is(err, lib.ErrShutdown) {
				if ferr := ifce.Err(); ferr != nil {
					logger.Error("interface failed", zap.Error(ferr))
				}
				return
			}
			logger.Error("accept failed", zap.Error(err))
			return
		}
		go handleStream(logger, stream)
	}
}

func handleStream(logger *zap.Logger, stream *lib.Stream) {
	defer stream.Close()
	log := logger.With(zap.Stringer("remote", stream.RemoteAddr()))
	log.Info("connection accepted")

	buffer := make([]byte, 1500)
	for {
		n, err := stream.Read(buffer)
		if n > 0 {
			log.Info("got data from peer", zap.Int("len", n), zap.ByteString("data", buffer[:n]))
		}
		if err != nil {
			if err == io.EOF {
				log.Info("peer closed the connection")
			} else {
				log.Info("connection ended", zap.Error(err))
			}
			return
		}
	}
}

func newServerLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error creating logger:", err)
		os.Exit(1)
	}
	return logger
}

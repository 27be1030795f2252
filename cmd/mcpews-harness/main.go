// Command mcpews-harness starts a console server and exercises it, either
// against a real game that connects with /connect, or against an in-process
// client in self-test mode. It exists to prove a deployment end to end:
// command round-trip and the encryption handshake. Event delivery is not
// exercised.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mcpews/mcpews/client"
	"github.com/mcpews/mcpews/crypto/wsencrypt"
	"github.com/mcpews/mcpews/observability/prom"
	"github.com/mcpews/mcpews/protocol"
	"github.com/mcpews/mcpews/server"
)

type config struct {
	Port        int           `env:"MCPEWS_PORT" envDefault:"19134"`
	Mode        string        `env:"MCPEWS_ENCRYPTION_MODE" envDefault:"cfb8"`
	Timeout     time.Duration `env:"MCPEWS_TIMEOUT" envDefault:"30s"`
	MetricsAddr string        `env:"MCPEWS_METRICS_ADDR"`
	LogPretty   bool          `env:"MCPEWS_LOG_PRETTY" envDefault:"true"`
	LogLevel    string        `env:"MCPEWS_LOG_LEVEL" envDefault:"info"`
}

func main() {
	cfg := config{}
	if err := env.Parse(&cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	var (
		selfTest bool
		sayLine  string
		encrypt  bool
	)
	root := &cobra.Command{
		Use:           "mcpews-harness",
		Short:         "Exercise the console protocol server against a game or itself",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg, selfTest, sayLine, encrypt)
		},
	}
	root.Flags().IntVar(&cfg.Port, "port", cfg.Port, "TCP port to listen on")
	root.Flags().StringVar(&cfg.Mode, "encryption-mode", cfg.Mode, "cipher mode for the handshake (cfb8, cfb, cfb128)")
	root.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-operation timeout")
	root.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "expose Prometheus metrics on this address")
	root.Flags().BoolVar(&selfTest, "self-test", false, "connect an in-process game client and run the scripted exchange")
	root.Flags().StringVar(&sayLine, "say", "Hi, there!", "chat line used for the command round-trip")
	root.Flags().BoolVar(&encrypt, "encrypt", true, "run the encryption handshake during the exchange")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func run(cfg config, selfTest bool, sayLine string, encrypt bool) error {
	logger := newLogger(cfg)

	mode, err := wsencrypt.ParseMode(cfg.Mode)
	if err != nil {
		return err
	}

	srvCfg := server.Config{}
	if cfg.MetricsAddr != "" {
		reg := prom.NewRegistry()
		srvCfg.SessionObserver = prom.NewSessionObserver(reg)
		srvCfg.Observer = prom.NewServerObserver(reg)
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", prom.Handler(reg))
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	srv, err := server.Listen(fmt.Sprintf(":%d", cfg.Port), srvCfg)
	if err != nil {
		return err
	}
	defer srv.Close()
	logger.Info().Stringer("addr", srv.Addr()).Msg("listening; connect with /connect <host>:<port>")

	connected := make(chan *server.ClientConn, 1)
	srv.OnClient(func(cc *server.ClientConn) {
		logger.Info().Str("remote", cc.Request.RemoteAddr).Msg("game connected")
		select {
		case connected <- cc:
		default:
		}
	})

	if selfTest {
		go func() {
			if err := runFakeGame(fmt.Sprintf("127.0.0.1:%d", cfg.Port), logger); err != nil {
				logger.Error().Err(err).Msg("fake game failed")
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	var cc *server.ClientConn
	select {
	case cc = <-connected:
	case s := <-sig:
		logger.Info().Str("signal", s.String()).Msg("shutting down before any game connected")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := exercise(ctx, cc.Session, logger, mode, sayLine, encrypt); err != nil {
		return err
	}
	logger.Info().Msg("exchange complete")

	if !selfTest {
		logger.Info().Msg("holding session open; ctrl-c to exit")
		<-sig
	}
	return nil
}

// exercise runs the scripted exchange on one connected game.
func exercise(ctx context.Context, game *server.GameSession, logger zerolog.Logger, mode wsencrypt.Mode, sayLine string, encrypt bool) error {
	app := server.NewApp(game)

	resp, err := app.Command(ctx, "/say "+sayLine)
	if err != nil {
		return fmt.Errorf("command round-trip: %w", err)
	}
	logger.Info().RawJSON("body", resp.Body).Msg("command response")

	if encrypt {
		ok, err := app.EnableEncryption(ctx, mode)
		if err != nil {
			return fmt.Errorf("encryption handshake: %w", err)
		}
		if !ok {
			return fmt.Errorf("encryption handshake already pending")
		}
		logger.Info().Str("mode", string(mode)).Msg("encryption enabled")

		resp, err = app.Command(ctx, "/say this line is encrypted on the wire")
		if err != nil {
			return fmt.Errorf("encrypted command round-trip: %w", err)
		}
		logger.Info().RawJSON("body", resp.Body).Msg("encrypted command response")
	}
	return nil
}

// runFakeGame stands in for the game during self-test runs: it answers every
// command and publishes a heartbeat event when asked.
func runFakeGame(addr string, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr, client.DialOptions{Version: protocol.V1_1_0})
	if err != nil {
		return err
	}
	c.OnCommand(func(req *client.CommandRequest) {
		if handled, err := req.HandleEncryptionHandshake(); handled {
			if err != nil {
				logger.Error().Err(err).Msg("handshake failed")
			}
			return
		}
		logger.Debug().Str("commandLine", req.CommandLine).Msg("answering command")
		_ = req.Respond(map[string]any{"statusCode": 0, "message": "ok"})
	})
	c.OnSubscribe(func(eventName string) {
		_, _ = c.PublishEvent(eventName, map[string]any{"tick": 1})
	})
	return nil
}

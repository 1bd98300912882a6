package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/dpc/rostra"
	"github.com/dpc/rostra/httpapi"
	"github.com/dpc/rostra/store"
)

var app = &cli.Command{
	Name:  "rostra",
	Usage: "p2p friend-to-friend social network client",
	Commands: []*cli.Command{
		{
			Name:  "gen-id",
			Usage: "generate a new identity and print it with its mnemonic",
			Action: func(ctx context.Context, c *cli.Command) error {
				sec := rostra.GenerateIDSecret()
				fmt.Printf("%s\n%s\n", sec.RostraID(), sec.Mnemonic())
				return nil
			},
		},
		{
			Name:  "web-ui",
			Usage: "serve the HTTP API over a local store",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:     "data-dir",
					Usage:    "directory holding the store",
					Required: true,
				},
				&cli.StringFlag{
					Name:  "listen",
					Usage: "address to listen on",
					Value: "127.0.0.1:2345",
				},
				&cli.StringFlag{
					Name:  "secret-file",
					Usage: "file holding the identity mnemonic (default <data-dir>/secret)",
				},
			},
			Action: runWebUI,
		},
	},
}

func runWebUI(ctx context.Context, c *cli.Command) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	dataDir := c.String("data-dir")
	secretFile := c.String("secret-file")
	if secretFile == "" {
		secretFile = filepath.Join(dataDir, "secret")
	}

	sec, err := loadOrCreateSecret(secretFile)
	if err != nil {
		return err
	}
	log.Info().Stringer("rostra_id", sec.RostraID()).Msg("identity loaded")

	db, err := store.Open(filepath.Join(dataDir, "store"), store.WithLogger(log))
	if err != nil {
		return err
	}
	defer db.Close()

	server := httpapi.New(db, log)
	listen := c.String("listen")
	log.Info().Str("listen", listen).Msg("serving api")

	httpServer := &http.Server{Addr: listen, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		_ = httpServer.Shutdown(context.Background())
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func loadOrCreateSecret(path string) (rostra.IDSecret, error) {
	if raw, err := os.ReadFile(path); err == nil {
		return rostra.IDSecretFromMnemonic(strings.TrimSpace(string(raw)))
	} else if !os.IsNotExist(err) {
		return rostra.IDSecret{}, err
	}

	sec := rostra.GenerateIDSecret()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return sec, err
	}
	if err := os.WriteFile(path, []byte(sec.Mnemonic()+"\n"), 0o600); err != nil {
		return sec, fmt.Errorf("failed to write secret file: %w", err)
	}
	return sec, nil
}

func main() {
	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

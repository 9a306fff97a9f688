package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"attendsync/internal/attendsync"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the caching proxy",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := attendsync.NewLogger(&cfg, os.Stderr)
		gin.SetMode(gin.ReleaseMode)

		svc, err := attendsync.NewService(cfg, attendsync.WithLogger(log))
		if err != nil {
			return fmt.Errorf("init service: %w", err)
		}
		defer svc.Close()

		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}

		srv := &http.Server{
			Handler:           svc.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		go func() {
			log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Msg("attendsync listening")
			err := srv.Serve(ln)
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("server error")
				stop()
			}
		}()

		// Requests are answered with 503 until the generation is activated.
		if err := svc.Start(ctx); err != nil {
			shutdown(srv)
			return fmt.Errorf("start: %w", err)
		}

		<-ctx.Done()
		shutdown(srv)
		return nil
	},
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

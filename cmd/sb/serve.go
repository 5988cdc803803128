package main

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

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"servicebay/internal/app"
	"servicebay/internal/cache"
	"servicebay/internal/config"
	"servicebay/internal/server"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	var addr, grpcAddr, basePath string
	var idemTTL time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, the gRPC health endpoint and webhook delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if runtimeEnv.JWTSecret == "" && !runtimeEnv.AllowLegacyHeaders {
				return fmt.Errorf("%s_JWT_SECRET is required for bearer auth", config.EnvPrefix)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, done, err := openStore()
			if err != nil {
				return err
			}
			defer done()
			e, err := app.Bootstrap(ctx, r.DB, viper.GetString("shop"), "system", log)
			if err != nil {
				return err
			}

			var idem cache.Store = cache.NewMemory(idemTTL)
			if runtimeEnv.RedisAddr != "" {
				rdb := redis.NewClient(&redis.Options{Addr: runtimeEnv.RedisAddr})
				defer rdb.Close()
				if err := rdb.Ping(ctx).Err(); err != nil {
					return fmt.Errorf("redis %s: %w", runtimeEnv.RedisAddr, err)
				}
				idem = cache.NewRedis(rdb, idemTTL)
			}

			handler, err := server.New(server.Config{
				Engine:      e,
				Payments:    app.NewCoordinator(r.DB, e.Config, runtimeEnv, log),
				Idempotency: idem,
				BasePath:    basePath,
				Auth: server.AuthConfig{
					JWTSecret:          runtimeEnv.JWTSecret,
					AllowLegacyHeaders: runtimeEnv.AllowLegacyHeaders,
				},
				Log: log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			grpcSrv, health := server.NewGRPCServer()
			lis, err := net.Listen("tcp", grpcAddr)
			if err != nil {
				return err
			}
			hooks := server.NewDispatcher(r, e.Config, log)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.WithField("addr", addr).WithField("base_path", basePath).Info("serving HTTP API")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				log.WithField("addr", lis.Addr().String()).Info("serving gRPC health")
				return grpcSrv.Serve(lis)
			})
			g.Go(func() error {
				server.WatchHealth(gctx, health, r, 0, log)
				return nil
			})
			if hooks.Enabled() {
				g.Go(func() error { return hooks.Run(gctx) })
			}
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				grpcSrv.GracefulStop()
				return srv.Shutdown(sctx)
			})
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("server stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "127.0.0.1:9090", "gRPC health listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/api", "API base path")
	cmd.Flags().DurationVar(&idemTTL, "idempotency-ttl", 24*time.Hour, "how long Idempotency-Key results are kept")
	return cmd
}

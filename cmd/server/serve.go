package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"

	"github.com/rl1809/voucher-seckill/internal/adapter/handler"
	"github.com/rl1809/voucher-seckill/internal/core/service"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve seckill requests over HTTP and gRPC and run the order stream workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("http-addr", ":8080", "HTTP listen address")
	flags.String("grpc-addr", ":50051", "gRPC listen address")
	flags.Int("workers", 1, "order stream workers in this process")
	flags.String("consumer", "", "consumer name base (defaults to the hostname)")
	flags.Bool("prewarm", true, "load campaigns into redis before serving")
	mustBind(v, flags, map[string]string{
		"http.addr":      "http-addr",
		"grpc.addr":      "grpc-addr",
		"order.workers":  "workers",
		"order.consumer": "consumer",
		"serve.prewarm":  "prewarm",
	})
	return cmd
}

func runServe(ctx context.Context, v *viper.Viper) error {
	a, err := newApp(ctx, v)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.JWTSecret == "" {
		return errors.New("auth.jwt_secret must be set to serve")
	}

	if v.GetBool("serve.prewarm") {
		n, err := a.vouchers.Prewarm(ctx)
		if err != nil {
			return fmt.Errorf("prewarm: %w", err)
		}
		a.log.WithField("vouchers", n).Info("campaigns prewarmed")
	}

	// Workers get their own context so in-flight items finish after the
	// servers stop accepting requests.
	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	pool := service.NewPool(a.cfg.Order.Workers, a.queue, a.locker, a.committer, a.log, a.workerConfig())
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(workerCtx)
	}()
	a.log.WithField("workers", a.cfg.Order.Workers).Info("started order workers")

	auth := handler.NewAuthenticator(a.cfg.JWTSecret)

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(auth.UnaryInterceptor))
	handler.RegisterVoucherOrderServer(grpcServer, handler.NewGRPCHandler(a.orders))

	lis, err := net.Listen("tcp", a.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	serverErr := make(chan error, 2)
	go func() {
		a.log.WithField("addr", a.cfg.GRPCAddr).Info("gRPC server listening")
		if err := grpcServer.Serve(lis); err != nil {
			serverErr <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	httpServer := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler.NewHTTPHandler(a.orders, a.vouchers, a.shops, auth, a.log).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.log.WithField("addr", a.cfg.HTTPAddr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.log.Info("shutting down...")
	case runErr = <-serverErr:
		a.log.WithError(runErr).Error("server failed, shutting down")
	case runErr = <-poolDone:
		a.log.WithError(runErr).Error("order workers stopped, shutting down")
		poolDone <- runErr
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.WithError(err).Warn("HTTP shutdown")
	}
	a.log.Info("HTTP server stopped")

	grpcServer.GracefulStop()
	a.log.Info("gRPC server stopped")

	stopWorkers()
	if err := <-poolDone; err != nil && runErr == nil {
		runErr = fmt.Errorf("order workers: %w", err)
	}
	a.log.Info("workers stopped")
	return runErr
}

package main

import (
	"context"
	"strings"
	"time"

	"ordersaga/internal/observability"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type rateLimiter interface {
	Wait(ctx context.Context) error
}

// unaryInterceptor rate limits inbound calls and records their metrics.
func unaryInterceptor(limiter rateLimiter, metrics *observability.Metrics, log logr.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if !shouldTrackMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		span := metrics.Start(info.FullMethod)
		start := time.Now()
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				err = status.FromContextError(err).Err()
				span.End(err)
				return nil, err
			}
		}
		resp, err := handler(ctx, req)
		span.End(err)
		if err != nil {
			log.Info("grpc call failed", "method", info.FullMethod, "elapsed", time.Since(start).String(), "error", err.Error())
		}
		return resp, err
	}
}

func shouldTrackMethod(method string) bool {
	return method != "" &&
		!strings.HasPrefix(method, "/grpc.reflection.") &&
		!strings.HasPrefix(method, "/grpc.health.")
}

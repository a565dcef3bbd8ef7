package telemetry

import (
	"context"
	"log/slog"
	"runtime/debug"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/logging"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"

	"github.com/victornm/wordchain/internal/errors"
)

// GRPCServerInterceptor logs every unary call and turns handler panics into Internal errors.
func GRPCServerInterceptor() grpc.ServerOption {
	l := grpcServerLogger(slog.Default())
	logOpts := []logging.Option{
		logging.WithLogOnEvents(logging.FinishCall),
	}
	recoverOpts := []recovery.Option{
		recovery.WithRecoveryHandlerContext(recoverGRPC),
	}

	return grpc.ChainUnaryInterceptor(
		logging.UnaryServerInterceptor(l, logOpts...),
		recovery.UnaryServerInterceptor(recoverOpts...),
	)
}

// GRPCStreamInterceptor does the same for streams such as health watches.
func GRPCStreamInterceptor() grpc.ServerOption {
	return grpc.ChainStreamInterceptor(
		logging.StreamServerInterceptor(grpcServerLogger(slog.Default()), logging.WithLogOnEvents(logging.FinishCall)),
		recovery.StreamServerInterceptor(recovery.WithRecoveryHandlerContext(recoverGRPC)),
	)
}

func recoverGRPC(ctx context.Context, p any) error {
	slog.ErrorContext(ctx, "grpc: handler panicked", "panic", p, "stack", string(debug.Stack()))
	return errors.New(errors.CodeInternal, errors.WithMessagef("internal error"))
}

func grpcServerLogger(l *slog.Logger) logging.Logger {
	return logging.LoggerFunc(func(ctx context.Context, lvl logging.Level, msg string, fields ...any) {
		l.Log(ctx, slog.Level(lvl), "grpc: "+msg, fields...)
	})
}

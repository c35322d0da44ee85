package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"kb-chat/handler"
	"kb-chat/internal/app"
	"kb-chat/internal/config"
	"kb-chat/internal/logging"
)

var version = "dev"

// The function URL must be configured with InvokeMode RESPONSE_STREAM.
func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	gin.SetMode(gin.ReleaseMode)

	a, err := app.Build(ctx, cfg, version, logger)
	if err != nil {
		logger.Error("failed to build service", zap.Error(err))
		os.Exit(1)
	}

	adapter, err := handler.NewLambdaAdapter(a.Handler)
	if err != nil {
		logger.Error("failed to create lambda adapter", zap.Error(err))
		os.Exit(1)
	}

	lambda.Start(adapter.Handle)
}

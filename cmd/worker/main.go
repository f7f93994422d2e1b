package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"agent-relay/handler"
	"agent-relay/internal/bundle"
	"agent-relay/internal/dispatch"
	"agent-relay/internal/integrations/metrics"
	"agent-relay/internal/integrations/paramstore"
	"agent-relay/internal/integrations/runtime"
	"agent-relay/internal/integrations/telegram"
	"agent-relay/internal/queue"
	"agent-relay/internal/registry"
	"agent-relay/internal/worker"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	queueURL := mustEnv("QUEUE_URL")
	deadLetterURL := mustEnv("DEAD_LETTER_QUEUE_URL")
	stateTable := mustEnv("STATE_TABLE")
	sessionBucket := mustEnv("SESSION_BUCKET")
	paramPrefix := mustEnv("PARAM_PREFIX")
	runtimeURL := mustEnv("AGENT_RUNTIME_URL")
	maxAttempts := envInt("MAX_ATTEMPTS", 3)
	lockTTLSeconds := envInt("LOCK_TTL_SECONDS", 900)
	metricsNamespace := envStr("METRICS_NAMESPACE", "AgentRelay/Worker")

	// ---- AWS SDK config ----
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	bot, err := telegram.NewClient(ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create Telegram client", "err", err)
		os.Exit(1)
	}
	reg, err := registry.New(awsdynamodb.NewFromConfig(cfg), stateTable)
	if err != nil {
		slog.Error("failed to create registry", "err", err)
		os.Exit(1)
	}
	bundles, err := bundle.New(awss3.NewFromConfig(cfg), sessionBucket)
	if err != nil {
		slog.Error("failed to create bundle store", "err", err)
		os.Exit(1)
	}
	rt, err := runtime.NewClient(runtimeURL, ssmClient, paramPrefix)
	if err != nil {
		slog.Error("failed to create runtime client", "err", err)
		os.Exit(1)
	}
	dispatcher, err := dispatch.New(bot)
	if err != nil {
		slog.Error("failed to create dispatcher", "err", err)
		os.Exit(1)
	}
	q, err := queue.New(awssqs.NewFromConfig(cfg), queueURL, deadLetterURL)
	if err != nil {
		slog.Error("failed to create queue", "err", err)
		os.Exit(1)
	}
	recorder, err := metrics.New(awscloudwatch.NewFromConfig(cfg), metricsNamespace)
	if err != nil {
		slog.Error("failed to create metrics client", "err", err)
		os.Exit(1)
	}

	// ---- Handler ----
	processor, err := worker.New(reg, bundles, rt, dispatcher,
		worker.WithLockTTL(time.Duration(lockTTLSeconds)*time.Second))
	if err != nil {
		slog.Error("failed to create processor", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewConsumer(processor, q, recorder, maxAttempts)
	if err != nil {
		slog.Error("failed to create consumer handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscloudwatch "github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"agent-relay/handler"
	"agent-relay/internal/bundle"
	"agent-relay/internal/config"
	"agent-relay/internal/ingress"
	"agent-relay/internal/integrations/metrics"
	"agent-relay/internal/integrations/paramstore"
	"agent-relay/internal/integrations/telegram"
	"agent-relay/internal/queue"
	"agent-relay/internal/registry"
)

func main() {
	ctx := context.Background()

	// ---- Configuration (read only here) ----
	queueURL := mustEnv("QUEUE_URL")
	stateTable := mustEnv("STATE_TABLE")
	sessionBucket := mustEnv("SESSION_BUCKET")
	paramPrefix := mustEnv("PARAM_PREFIX")
	webhookSecret := os.Getenv("TELEGRAM_WEBHOOK_SECRET")
	commandsPath := envStr("COMMANDS_PATH", "commands.yaml")
	metricsNamespace := envStr("METRICS_NAMESPACE", "AgentRelay/Ingress")
	dedupEnabled := envInt("DEDUP_ENABLED", 1) != 0

	commands, err := config.LoadCommands(commandsPath)
	if err != nil {
		slog.Error("failed to load command config", "err", err)
		os.Exit(1)
	}

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
	q, err := queue.New(awssqs.NewFromConfig(cfg), queueURL, "")
	if err != nil {
		slog.Error("failed to create queue", "err", err)
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
	recorder, err := metrics.New(awscloudwatch.NewFromConfig(cfg), metricsNamespace)
	if err != nil {
		slog.Error("failed to create metrics client", "err", err)
		os.Exit(1)
	}
	exporter, err := ingress.NewExporter(reg, bundles)
	if err != nil {
		slog.Error("failed to create exporter", "err", err)
		os.Exit(1)
	}

	var dedup ingress.Deduper
	if dedupEnabled {
		dedup = reg
	}

	// ---- Handler ----
	gate, err := ingress.New(commands, bot, q, dedup, exporter, recorder)
	if err != nil {
		slog.Error("failed to create ingress gate", "err", err)
		os.Exit(1)
	}
	h, err := handler.NewWebhook(gate, webhookSecret)
	if err != nil {
		slog.Error("failed to create webhook handler", "err", err)
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

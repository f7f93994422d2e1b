package metrics

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// cloudwatchAPI is the minimal CloudWatch interface required by Client.
type cloudwatchAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Recorder is the counting interface consumed by the pipeline. Emission is
// fire-and-forget: failures are logged, never propagated.
type Recorder interface {
	Count(ctx context.Context, name string)
}

// Client publishes custom count metrics under a single namespace.
type Client struct {
	api       cloudwatchAPI
	namespace string
}

// New creates a metrics Client for the given namespace.
func New(api cloudwatchAPI, namespace string) (*Client, error) {
	if api == nil {
		return nil, errors.New("metrics: api must not be nil")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("metrics: namespace must not be empty")
	}
	return &Client{api: api, namespace: namespace}, nil
}

// Count emits a count-of-one metric.
func (c *Client) Count(ctx context.Context, name string) {
	_, err := c.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []types.MetricDatum{
			{
				MetricName: aws.String(name),
				Value:      aws.Float64(1),
				Unit:       types.StandardUnitCount,
				Timestamp:  aws.Time(time.Now()),
			},
		},
	})
	if err != nil {
		slog.Warn("failed to publish metric", "name", name, "err", err)
	}
}

// Nop is a Recorder that discards all counts, for deployments without a
// metrics namespace configured.
type Nop struct{}

func (Nop) Count(context.Context, string) {}

package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/require"
)

type fakeCloudWatch struct {
	err    error
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakeCloudWatch) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, f.err
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, "AgentRelay/Ingress")
	require.Error(t, err)
	_, err = New(&fakeCloudWatch{}, "  ")
	require.Error(t, err)
}

func TestCount(t *testing.T) {
	cw := &fakeCloudWatch{}
	c, err := New(cw, "AgentRelay/Ingress")
	require.NoError(t, err)

	c.Count(context.Background(), "MessageEnqueued")

	require.Len(t, cw.inputs, 1)
	in := cw.inputs[0]
	require.Equal(t, "AgentRelay/Ingress", *in.Namespace)
	require.Len(t, in.MetricData, 1)
	datum := in.MetricData[0]
	require.Equal(t, "MessageEnqueued", *datum.MetricName)
	require.Equal(t, float64(1), *datum.Value)
	require.Equal(t, types.StandardUnitCount, datum.Unit)
}

func TestCount_ErrorsSwallowed(t *testing.T) {
	cw := &fakeCloudWatch{err: errors.New("throttled")}
	c, err := New(cw, "AgentRelay/Ingress")
	require.NoError(t, err)

	// Must not panic or propagate; metrics are best effort.
	c.Count(context.Background(), "MessageEnqueued")
	require.Len(t, cw.inputs, 1)
}

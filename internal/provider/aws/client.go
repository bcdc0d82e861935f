package aws

import (
	"context"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"

	"hostbroker/internal/config"
	"hostbroker/internal/errors"
)

// Clients bundles the service clients one strategy instance talks through.
type Clients struct {
	EC2         EC2API
	AutoScaling AutoScalingAPI
}

// NewClients resolves credentials through the default chain and builds the
// service clients. A non-empty cfg.Endpoint (localstack, integration rigs)
// overrides endpoint resolution for both services.
func NewClients(ctx context.Context, cfg config.ProviderConfig) (Clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return Clients{}, errors.Internal(errors.CodeConfigInvalid, "could not load aws configuration").
			WithOperation("aws_load_config").
			WithCause(err).
			Build()
	}

	var endpoint *string
	if cfg.Endpoint != "" {
		endpoint = sdk.String(cfg.Endpoint)
	}
	return Clients{
		EC2: ec2.NewFromConfig(awsCfg, func(o *ec2.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		}),
		AutoScaling: autoscaling.NewFromConfig(awsCfg, func(o *autoscaling.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		}),
	}, nil
}

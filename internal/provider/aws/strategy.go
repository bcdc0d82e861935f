// Package aws implements the provider strategy on EC2 and Auto Scaling. A
// handler factory picks one of four provisioning mechanisms per template:
// plain RunInstances, an instant EC2 fleet, a spot fleet request, or a
// per-request auto scaling group. All SDK calls run under per-service
// resilience executors and map their failures onto the broker error
// taxonomy.
package aws

import (
	"context"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hostbroker/internal/config"
	"hostbroker/internal/domain/machine"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/provider"
	"hostbroker/pkg/resilience"
)

// ProviderTypeAWS is the provider_api value AWS templates carry.
const ProviderTypeAWS = "aws"

// TemplateSource lists the definitions the strategy can serve; the template
// manager satisfies it.
type TemplateSource interface {
	List(ctx context.Context) ([]template.Definition, error)
}

// Strategy implements the provider port on EC2 and Auto Scaling. Each
// service gets its own executor so a circuit opening on one does not gate
// the other.
type Strategy struct {
	name      string
	ops       ec2Ops
	asg       AutoScalingAPI
	asgExec   *resilience.Executor
	factory   *handlerFactory
	templates TemplateSource
	logger    *zap.Logger
}

var _ provider.Strategy = (*Strategy)(nil)

// NewStrategy wires the handler family over the given clients.
func NewStrategy(cfg config.ProviderConfig, execCfg resilience.ExecutorConfig, clients Clients, templates TemplateSource, logger *zap.Logger) *Strategy {
	name := cfg.Name
	if name == "" {
		name = ProviderTypeAWS
	}
	ec2Exec := resilience.NewExecutor("aws_ec2", execCfg, logger)
	asgExec := resilience.NewExecutor("aws_autoscaling", execCfg, logger)
	ops := ec2Ops{api: clients.EC2, exec: ec2Exec, logger: logger}
	return &Strategy{
		name:      name,
		ops:       ops,
		asg:       clients.AutoScaling,
		asgExec:   asgExec,
		factory:   newHandlerFactory(ops, clients.AutoScaling, asgExec, cfg.MaxInstancesPerCall, cfg.PollInterval),
		templates: templates,
		logger:    logger,
	}
}

func (s *Strategy) Name() string { return s.name }

func (s *Strategy) ProviderType() string { return ProviderTypeAWS }

// ProvisionMachines routes the request to the handler its template selects.
func (s *Strategy) ProvisionMachines(ctx context.Context, req provider.ProvisionRequest) ([]*machine.Machine, error) {
	handler := s.factory.ForTemplate(req.Template)
	s.logger.Info("provisioning machines",
		zap.String("request_id", req.RequestID.String()),
		zap.String("template_id", req.Template.TemplateID),
		zap.String("handler", handler.Name()),
		zap.Int("count", req.MachineCount))
	return handler.ProvisionInstances(ctx, req)
}

// TerminateMachines goes through the scaling group handler, whose routing
// covers both group members (decrement and terminate) and plain instances.
func (s *Strategy) TerminateMachines(ctx context.Context, providerInstanceIDs []string) (bool, error) {
	if len(providerInstanceIDs) == 0 {
		return true, nil
	}
	return s.factory.autoScaling.TerminateInstances(ctx, providerInstanceIDs)
}

func (s *Strategy) GetMachineStatus(ctx context.Context, providerInstanceIDs []string) (map[string]provider.InstanceStatus, error) {
	if len(providerInstanceIDs) == 0 {
		return map[string]provider.InstanceStatus{}, nil
	}
	return s.ops.instanceStatuses(ctx, providerInstanceIDs)
}

// ValidateTemplate runs the checks specific to the handler this template
// selects; field-level validation belongs to the template manager.
func (s *Strategy) ValidateTemplate(ctx context.Context, def template.Definition) []error {
	return s.factory.ForTemplate(def).ValidateTemplate(ctx, def)
}

// AvailableTemplates filters the source down to active aws templates bound
// to this strategy instance or to no instance in particular.
func (s *Strategy) AvailableTemplates(ctx context.Context) ([]template.Definition, error) {
	defs, err := s.templates.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]template.Definition, 0, len(defs))
	for _, def := range defs {
		if !def.IsActive || def.ProviderAPI != ProviderTypeAWS {
			continue
		}
		if def.ProviderName != "" && def.ProviderName != s.name {
			continue
		}
		out = append(out, def)
	}
	return out, nil
}

// HealthCheck probes both services with the cheapest read each offers.
func (s *Strategy) HealthCheck(ctx context.Context) error {
	var combined error
	if _, err := resilience.Call(ctx, s.ops.exec, "ec2_health", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
		return s.ops.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{MaxResults: sdk.Int32(5)})
	}); err != nil {
		combined = multierr.Append(combined, classify("ec2_health", err))
	}
	if _, err := resilience.Call(ctx, s.asgExec, "autoscaling_health", func(ctx context.Context) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		return s.asg.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{MaxRecords: sdk.Int32(1)})
	}); err != nil {
		combined = multierr.Append(combined, classify("autoscaling_health", err))
	}
	return combined
}

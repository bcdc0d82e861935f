package aws

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/pkg/resilience"
)

const launchTemplateNamePrefix = "hostbroker"

// launchTemplateVersion pins every reference to the newest version; the
// broker never edits a launch template in place, it creates a new name when
// the fingerprint changes.
const launchTemplateVersion = "$Latest"

// launchTemplates ensures a launch template exists for a template definition
// and memoizes the name to id mapping. The name embeds a fingerprint of the
// launch-relevant fields, so definition drift produces a fresh template
// instead of mutating the old one. Concurrent ensures for the same name are
// single-flighted.
type launchTemplates struct {
	api    EC2API
	exec   *resilience.Executor
	ids    *cache.Cache
	group  singleflight.Group
	logger *zap.Logger
}

func newLaunchTemplates(api EC2API, exec *resilience.Executor, logger *zap.Logger) *launchTemplates {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &launchTemplates{
		api:    api,
		exec:   exec,
		ids:    cache.New(time.Hour, 10*time.Minute),
		logger: logger,
	}
}

// ensure returns the launch template id to reference for def, creating the
// template on first use. A definition that names launch_template_id directly
// is passed through untouched. Only the definition's own tags are baked into
// the template; per-request tags are applied at launch because one template
// serves many requests.
func (l *launchTemplates) ensure(ctx context.Context, def template.Definition) (string, error) {
	if def.LaunchTemplateID != "" {
		return def.LaunchTemplateID, nil
	}

	name, err := launchTemplateName(def)
	if err != nil {
		return "", err
	}
	if id, ok := l.ids.Get(name); ok {
		return id.(string), nil
	}

	v, err, _ := l.group.Do(name, func() (interface{}, error) {
		if id, ok := l.ids.Get(name); ok {
			return id.(string), nil
		}
		id, err := l.find(ctx, name)
		if err == nil && id != "" {
			l.ids.SetDefault(name, id)
			return id, nil
		}
		if err != nil {
			return "", err
		}
		id, err = l.create(ctx, name, def)
		if err != nil {
			return "", err
		}
		l.ids.SetDefault(name, id)
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// invalidate drops the cached id so the next ensure re-resolves. Called when
// AWS reports the referenced template missing.
func (l *launchTemplates) invalidate(def template.Definition) {
	name, err := launchTemplateName(def)
	if err != nil {
		return
	}
	l.ids.Delete(name)
}

func (l *launchTemplates) find(ctx context.Context, name string) (string, error) {
	out, err := resilience.Call(ctx, l.exec, "ec2_describe_launch_templates", func(ctx context.Context) (*ec2.DescribeLaunchTemplatesOutput, error) {
		return l.api.DescribeLaunchTemplates(ctx, &ec2.DescribeLaunchTemplatesInput{
			LaunchTemplateNames: []string{name},
		})
	})
	if err != nil {
		if isLaunchTemplateNotFound(err) {
			return "", nil
		}
		return "", classify("ec2_describe_launch_templates", err)
	}
	if len(out.LaunchTemplates) == 0 {
		return "", nil
	}
	return sdk.ToString(out.LaunchTemplates[0].LaunchTemplateId), nil
}

func (l *launchTemplates) create(ctx context.Context, name string, def template.Definition) (string, error) {
	input := &ec2.CreateLaunchTemplateInput{
		LaunchTemplateName: sdk.String(name),
		LaunchTemplateData: launchTemplateData(def),
		TagSpecifications:  tagSpecs(def.Tags, ec2types.ResourceTypeLaunchTemplate),
	}
	out, err := resilience.Call(ctx, l.exec, "ec2_create_launch_template", func(ctx context.Context) (*ec2.CreateLaunchTemplateOutput, error) {
		return l.api.CreateLaunchTemplate(ctx, input)
	})
	if err != nil {
		if isAlreadyExists(err) {
			// Lost a create race with another process; the existing template
			// has the same fingerprint so it is interchangeable.
			return l.find(ctx, name)
		}
		return "", classify("ec2_create_launch_template", err)
	}
	l.logger.Info("created launch template",
		zap.String("name", name),
		zap.String("launch_template_id", sdk.ToString(out.LaunchTemplate.LaunchTemplateId)),
		zap.String("template_id", def.TemplateID))
	return sdk.ToString(out.LaunchTemplate.LaunchTemplateId), nil
}

// launchTemplateName derives a stable name from the launch-relevant fields.
func launchTemplateName(def template.Definition) (string, error) {
	fingerprint, err := hashstructure.Hash(struct {
		ImageID          string
		InstanceType     string
		KeyName          string
		SecurityGroupIDs []string
		UserData         string
		InstanceProfile  string
		RootVolume       *template.RootVolume
	}{
		ImageID:          def.ImageID,
		InstanceType:     def.InstanceType,
		KeyName:          def.KeyName,
		SecurityGroupIDs: def.SecurityGroupIDs,
		UserData:         def.UserData,
		InstanceProfile:  def.InstanceProfile,
		RootVolume:       def.RootVolume,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", errors.Internal(errors.CodeInternalError, "failed to fingerprint launch template").
			WithResource(def.TemplateID).
			WithCause(err).
			Build()
	}
	return fmt.Sprintf("%s-%s-%016x", launchTemplateNamePrefix, def.TemplateID, fingerprint), nil
}

// launchTemplateData renders the launch-relevant template fields. The
// instance type recorded here is the default; fleet overrides replace it per
// pool.
func launchTemplateData(def template.Definition) *ec2types.RequestLaunchTemplateData {
	data := &ec2types.RequestLaunchTemplateData{
		ImageId:           sdk.String(def.ImageID),
		TagSpecifications: launchTemplateTagSpecs(def.Tags, ec2types.ResourceTypeInstance, ec2types.ResourceTypeVolume),
	}
	if def.InstanceType != "" {
		data.InstanceType = ec2types.InstanceType(def.InstanceType)
	}
	if def.KeyName != "" {
		data.KeyName = sdk.String(def.KeyName)
	}
	if len(def.SecurityGroupIDs) > 0 {
		data.SecurityGroupIds = def.SecurityGroupIDs
	}
	if def.UserData != "" {
		data.UserData = sdk.String(base64.StdEncoding.EncodeToString([]byte(def.UserData)))
	}
	if def.InstanceProfile != "" {
		profile := &ec2types.LaunchTemplateIamInstanceProfileSpecificationRequest{}
		if strings.HasPrefix(def.InstanceProfile, "arn:") {
			profile.Arn = sdk.String(def.InstanceProfile)
		} else {
			profile.Name = sdk.String(def.InstanceProfile)
		}
		data.IamInstanceProfile = profile
	}
	if def.RootVolume != nil {
		ebs := &ec2types.LaunchTemplateEbsBlockDeviceRequest{}
		if def.RootVolume.SizeGB > 0 {
			ebs.VolumeSize = sdk.Int32(int32(def.RootVolume.SizeGB))
		}
		if def.RootVolume.VolumeType != "" {
			ebs.VolumeType = ec2types.VolumeType(def.RootVolume.VolumeType)
		}
		if def.RootVolume.IOPS > 0 {
			ebs.Iops = sdk.Int32(int32(def.RootVolume.IOPS))
		}
		data.BlockDeviceMappings = []ec2types.LaunchTemplateBlockDeviceMappingRequest{{
			DeviceName: sdk.String("/dev/xvda"),
			Ebs:        ebs,
		}}
	}
	return data
}

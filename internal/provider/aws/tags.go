package aws

import (
	"strings"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	astypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"hostbroker/internal/domain/shared"
	"hostbroker/internal/provider"
)

// Tag keys stamped on every provisioned resource. RequestId ties an instance
// back to the broker request that created it; Handler records the mechanism.
const (
	tagRequestID  = "RequestId"
	tagHandler    = "Handler"
	tagTemplateID = "TemplateId"
)

// buildTags merges template tags with request tags and adds the broker
// bookkeeping keys. Request tags win on collision; bookkeeping keys always
// win.
func buildTags(req provider.ProvisionRequest, handlerName string) shared.Tags {
	tags := req.Template.Tags.Merge(req.Tags)
	if tags == nil {
		tags = shared.NewTags()
	}
	tags[tagRequestID] = req.RequestID.String()
	tags[tagHandler] = handlerName
	tags[tagTemplateID] = req.Template.TemplateID
	return tags
}

// ec2Tags renders tags in sorted key order for deterministic request bodies.
func ec2Tags(tags shared.Tags) []ec2types.Tag {
	out := make([]ec2types.Tag, 0, len(tags))
	for _, k := range tags.Keys() {
		out = append(out, ec2types.Tag{Key: sdk.String(k), Value: sdk.String(tags[k])})
	}
	return out
}

// tagSpecs builds one TagSpecification per resource type with the same tags.
// Nil when there are no tags; AWS rejects empty specifications.
func tagSpecs(tags shared.Tags, resources ...ec2types.ResourceType) []ec2types.TagSpecification {
	if len(tags) == 0 {
		return nil
	}
	rendered := ec2Tags(tags)
	out := make([]ec2types.TagSpecification, 0, len(resources))
	for _, r := range resources {
		out = append(out, ec2types.TagSpecification{ResourceType: r, Tags: rendered})
	}
	return out
}

// launchTemplateTagSpecs renders tags for resources created through a launch
// template. Nil when there are no tags.
func launchTemplateTagSpecs(tags shared.Tags, resources ...ec2types.ResourceType) []ec2types.LaunchTemplateTagSpecificationRequest {
	if len(tags) == 0 {
		return nil
	}
	rendered := ec2Tags(tags)
	out := make([]ec2types.LaunchTemplateTagSpecificationRequest, 0, len(resources))
	for _, r := range resources {
		out = append(out, ec2types.LaunchTemplateTagSpecificationRequest{ResourceType: r, Tags: rendered})
	}
	return out
}

// asgTags renders tags for an auto scaling group, propagated to launched
// instances.
func asgTags(groupName string, tags shared.Tags) []astypes.Tag {
	out := make([]astypes.Tag, 0, len(tags))
	for _, k := range tags.Keys() {
		out = append(out, astypes.Tag{
			Key:               sdk.String(k),
			Value:             sdk.String(tags[k]),
			PropagateAtLaunch: sdk.Bool(true),
			ResourceId:        sdk.String(groupName),
			ResourceType:      sdk.String("auto-scaling-group"),
		})
	}
	return out
}

// contextValue renders the template's opaque context map as the reserved
// Context parameter carried by fleet, spot fleet, and auto scaling requests.
// Entries join as "k=v" segments in sorted key order; nil when empty.
func contextValue(m map[string]string) *string {
	if len(m) == 0 {
		return nil
	}
	segments := make([]string, 0, len(m))
	for _, k := range shared.Tags(m).Keys() {
		segments = append(segments, k+"="+m[k])
	}
	return sdk.String(strings.Join(segments, ";"))
}

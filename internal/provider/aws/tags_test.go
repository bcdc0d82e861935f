package aws

import (
	"testing"

	sdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hostbroker/internal/domain/shared"
)

func TestBuildTags_RequestTagsWinOverTemplateTags(t *testing.T) {
	def := onDemandDef()
	def.Tags = shared.Tags{"team": "base", "env": "prod"}
	req := provisionReq(def, 1)
	req.Tags = shared.Tags{"team": "hpc"}

	tags := buildTags(req, HandlerRunInstances)

	assert.Equal(t, "hpc", tags["team"])
	assert.Equal(t, "prod", tags["env"])
	assert.Equal(t, req.RequestID.String(), tags[tagRequestID])
	assert.Equal(t, HandlerRunInstances, tags[tagHandler])
	assert.Equal(t, def.TemplateID, tags[tagTemplateID])
}

func TestBuildTags_BookkeepingKeysCannotBeOverridden(t *testing.T) {
	def := onDemandDef()
	def.Tags = shared.Tags{tagRequestID: "spoofed"}
	req := provisionReq(def, 1)

	tags := buildTags(req, HandlerEC2Fleet)
	assert.Equal(t, req.RequestID.String(), tags[tagRequestID])
}

func TestEC2Tags_SortedByKey(t *testing.T) {
	rendered := ec2Tags(shared.Tags{"zeta": "1", "alpha": "2", "mid": "3"})
	require.Len(t, rendered, 3)
	assert.Equal(t, "alpha", sdk.ToString(rendered[0].Key))
	assert.Equal(t, "mid", sdk.ToString(rendered[1].Key))
	assert.Equal(t, "zeta", sdk.ToString(rendered[2].Key))
}

func TestTagSpecs_OneSpecPerResourceType(t *testing.T) {
	specs := tagSpecs(shared.Tags{"k": "v"}, ec2types.ResourceTypeInstance, ec2types.ResourceTypeVolume)
	require.Len(t, specs, 2)
	assert.Equal(t, ec2types.ResourceTypeInstance, specs[0].ResourceType)
	assert.Equal(t, ec2types.ResourceTypeVolume, specs[1].ResourceType)
	require.Len(t, specs[0].Tags, 1)
	assert.Equal(t, "k", sdk.ToString(specs[0].Tags[0].Key))
}

func TestTagSpecs_NilWhenEmpty(t *testing.T) {
	assert.Nil(t, tagSpecs(nil, ec2types.ResourceTypeInstance))
	assert.Nil(t, tagSpecs(shared.NewTags(), ec2types.ResourceTypeInstance))
	assert.Nil(t, launchTemplateTagSpecs(nil, ec2types.ResourceTypeInstance))
}

func TestASGTags_PropagateAtLaunch(t *testing.T) {
	rendered := asgTags("hostbroker-req-1", shared.Tags{"team": "hpc"})
	require.Len(t, rendered, 1)
	assert.Equal(t, "team", sdk.ToString(rendered[0].Key))
	assert.True(t, sdk.ToBool(rendered[0].PropagateAtLaunch))
	assert.Equal(t, "hostbroker-req-1", sdk.ToString(rendered[0].ResourceId))
	assert.Equal(t, "auto-scaling-group", sdk.ToString(rendered[0].ResourceType))
}

func TestContextValue(t *testing.T) {
	assert.Nil(t, contextValue(nil))
	assert.Nil(t, contextValue(map[string]string{}))

	v := contextValue(map[string]string{"b": "2", "a": "1"})
	require.NotNil(t, v)
	assert.Equal(t, "a=1;b=2", sdk.ToString(v))
}

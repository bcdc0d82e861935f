package templates

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"hostbroker/internal/config"
	"hostbroker/internal/domain/template"
	"hostbroker/internal/errors"
	"hostbroker/internal/repository/memory"
	"hostbroker/internal/scheduler"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestManager(t *testing.T, dir string, clock *fakeClock, opts ...Option) *Manager {
	t.Helper()
	cfg := config.TemplatesConfig{ConfDir: dir, CacheTTL: 5 * time.Minute}
	all := append([]Option{WithClock(clock.Now)}, opts...)
	return NewManager(cfg, "aws", "aws-primary", scheduler.HostFactory(), zap.NewNop(), all...)
}

const baseTemplateJSON = `{
	"templates": [{
		"templateId": "t1",
		"maxNumber": 5,
		"imageId": "ami-0abc1234def567890",
		"vmType": "t3.medium",
		"subnetId": "subnet-aaaa1111bbbb2222",
		"securityGroupIds": ["sg-aaaa1111bbbb2222"],
		"instanceTags": "team=hpc;env=dev"
	}]
}`

func TestManager_ResolveRemapsAndTransforms(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)

	m := newTestManager(t, dir, newFakeClock())
	def, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, "t1", def.TemplateID)
	assert.Equal(t, 5, def.MaxNumber)
	assert.Equal(t, "ami-0abc1234def567890", def.ImageID)
	assert.Equal(t, "t3.medium", def.InstanceType)
	assert.Equal(t, []string{"subnet-aaaa1111bbbb2222"}, def.SubnetIDs, "scalar subnet becomes a list")
	assert.Equal(t, "hpc", def.Tags["team"], "tag string becomes a map")
	assert.Equal(t, "dev", def.Tags["env"])
	assert.True(t, def.IsActive)
	assert.Equal(t, template.PriceTypeOnDemand, def.PriceType)
	assert.Equal(t, filepath.Join(dir, "awsinst_templates.json"), def.SourceFile)
	assert.Equal(t, priorityInstance, def.FilePriority)
}

func TestManager_HigherPriorityFileWinsPerTemplateID(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "templates.json", `[
		{"templateId": "t1", "maxNumber": 1, "imageId": "ami-0abc1234def567890", "vmType": "t3.small", "subnetId": "subnet-aaaa1111bbbb2222"},
		{"templateId": "shared-only", "maxNumber": 2, "imageId": "ami-0abc1234def567890", "vmType": "t3.small", "subnetId": "subnet-aaaa1111bbbb2222"}
	]`)
	writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)

	m := newTestManager(t, dir, newFakeClock())

	def, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, def.MaxNumber, "awsinst_templates overrides templates.json")
	assert.Equal(t, priorityInstance, def.FilePriority)

	shared, err := m.Resolve(context.Background(), "shared-only")
	require.NoError(t, err)
	assert.Equal(t, 2, shared.MaxNumber)
	assert.Equal(t, priorityShared, shared.FilePriority)
}

func TestManager_DerivesInstanceTypeFromTypesMap(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.yaml", `
templates:
  - templateId: hetero
    maxNumber: 3
    imageId: ami-0abc1234def567890
    priceType: heterogeneous
    subnetId: subnet-aaaa1111bbbb2222
    vmTypes:
      t3.large: 2
      t2.medium: 1
`)

	m := newTestManager(t, dir, newFakeClock())
	def, err := m.Resolve(context.Background(), "hetero")
	require.NoError(t, err)

	assert.Equal(t, "t3.large", def.InstanceType, "first key as declared in the file")
	assert.Equal(t, map[string]int{"t2.medium": 1, "t3.large": 2}, def.InstanceTypes)
	assert.Equal(t, template.PriceTypeHeterogeneous, def.PriceType)
}

func TestManager_InstanceTypeFollowsDeclarationOrderNotAlphabet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", `{
		"templates": [{
			"templateId": "hetero-json",
			"maxNumber": 3,
			"imageId": "ami-0abc1234def567890",
			"priceType": "heterogeneous",
			"subnetId": "subnet-aaaa1111bbbb2222",
			"vmTypes": {"t3.xlarge": 1, "a1.large": 2}
		}]
	}`)

	m := newTestManager(t, dir, newFakeClock())
	def, err := m.Resolve(context.Background(), "hetero-json")
	require.NoError(t, err)

	assert.Equal(t, "t3.xlarge", def.InstanceType)
	assert.Equal(t, map[string]int{"t3.xlarge": 1, "a1.large": 2}, def.InstanceTypes)
}

func TestManager_ExplicitInstanceTypeWinsOverDerivation(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", `{
		"templates": [{
			"templateId": "hetero-explicit",
			"maxNumber": 3,
			"imageId": "ami-0abc1234def567890",
			"subnetId": "subnet-aaaa1111bbbb2222",
			"vmType": "m5.large",
			"vmTypes": {"t3.xlarge": 1, "a1.large": 2}
		}]
	}`)

	m := newTestManager(t, dir, newFakeClock())
	def, err := m.Resolve(context.Background(), "hetero-explicit")
	require.NoError(t, err)

	assert.Equal(t, "m5.large", def.InstanceType)
}

func TestManager_CacheServesStaleUntilTTLThenRefreshes(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)
	clock := newFakeClock()

	m := newTestManager(t, dir, clock)

	def, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 5, def.MaxNumber)

	// Change the file on disk.
	updated := `{"templates": [{"templateId": "t1", "maxNumber": 9, "imageId": "ami-0abc1234def567890", "vmType": "t3.medium", "subnetId": "subnet-aaaa1111bbbb2222"}]}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	// Within the TTL the cached value is returned.
	clock.Advance(time.Minute)
	def, err = m.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, def.MaxNumber, "read within ttl returns the cached value")

	// Past the TTL the file is re-read.
	clock.Advance(10 * time.Minute)
	def, err = m.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 9, def.MaxNumber, "read after ttl returns the new value")
}

func TestManager_InvalidateForcesReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)

	m := newTestManager(t, dir, newFakeClock())
	_, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)

	updated := `{"templates": [{"templateId": "t1", "maxNumber": 7, "imageId": "ami-0abc1234def567890", "vmType": "t3.medium", "subnetId": "subnet-aaaa1111bbbb2222"}]}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	m.OnFileEvent(path)

	def, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 7, def.MaxNumber)
}

func TestManager_OnFileEventIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)

	m := newTestManager(t, dir, newFakeClock())
	_, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)

	m.OnFileEvent(filepath.Join(dir, "broker.yaml"))

	// Cache entry survives: hit count still increments on the cached entry.
	_, err = m.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m.HitCount("t1"), int64(1))
}

func TestManager_UnknownTemplateIsNotFound(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)

	m := newTestManager(t, dir, newFakeClock())
	_, err := m.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
	assert.Equal(t, errors.CodeTemplateNotFound, errors.GetCode(err))
}

func TestManager_RepositoryTemplatesMergeUnderFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)

	stores := memory.NewStores()
	repoOnly, err := template.New(template.Definition{
		TemplateID:   "repo-only",
		ProviderAPI:  "aws",
		MaxNumber:    4,
		ImageID:      "ami-0abc1234def567890",
		InstanceType: "m5.large",
		SubnetIDs:    []string{"subnet-aaaa1111bbbb2222"},
		PriceType:    template.PriceTypeOnDemand,
		IsActive:     true,
	})
	require.NoError(t, err)
	require.NoError(t, stores.Templates.Save(context.Background(), repoOnly))

	// A repository definition for an id the files already provide.
	shadowed, err := template.New(template.Definition{
		TemplateID:   "t1",
		ProviderAPI:  "aws",
		MaxNumber:    99,
		ImageID:      "ami-0abc1234def567890",
		InstanceType: "m5.large",
		SubnetIDs:    []string{"subnet-aaaa1111bbbb2222"},
		PriceType:    template.PriceTypeOnDemand,
		IsActive:     true,
	})
	require.NoError(t, err)
	require.NoError(t, stores.Templates.Save(context.Background(), shadowed))

	m := newTestManager(t, dir, newFakeClock(), WithRepository(stores.Templates))

	def, err := m.Resolve(context.Background(), "repo-only")
	require.NoError(t, err)
	assert.Equal(t, 4, def.MaxNumber)
	assert.Equal(t, repositorySource, def.SourceFile)

	fileDef, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, 5, fileDef.MaxNumber, "file definition wins over repository")
}

func TestManager_ListReturnsSortedDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", `[
		{"templateId": "zeta", "maxNumber": 1, "imageId": "ami-0abc1234def567890", "vmType": "t3.small", "subnetId": "subnet-aaaa1111bbbb2222"},
		{"templateId": "alpha", "maxNumber": 1, "imageId": "ami-0abc1234def567890", "vmType": "t3.small", "subnetId": "subnet-aaaa1111bbbb2222"}
	]`)

	m := newTestManager(t, dir, newFakeClock())
	defs, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "alpha", defs[0].TemplateID)
	assert.Equal(t, "zeta", defs[1].TemplateID)
}

func TestManager_ConcurrentStaleReadersSeeStaleDuringRefresh(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "awsinst_templates.json", baseTemplateJSON)
	clock := newFakeClock()

	m := newTestManager(t, dir, clock)
	_, err := m.Resolve(context.Background(), "t1")
	require.NoError(t, err)

	clock.Advance(time.Hour)

	var wg sync.WaitGroup
	results := make([]int, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			def, err := m.Resolve(context.Background(), "t1")
			if err == nil {
				results[i] = def.MaxNumber
			}
		}(i)
	}
	wg.Wait()

	for _, got := range results {
		assert.Equal(t, 5, got, "stale and refreshed reads agree when the file is unchanged")
	}
}

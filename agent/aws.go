package agent

import (
	"context"
	"net/http"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/pkg/errors"
)

const defaultRegion = "us-east-1"

// Outside ECS there is no task metadata endpoint. Registration still
// carries a task ARN so operator views stay uniform, so local runs get
// a recognizable placeholder instead.
const (
	placeholderTaskARN = "arn:aws:ecs:us-east-1:123456789012:task/my-cluster/placeholder"
	fallbackTaskARN    = "arn:aws:ecs:us-east-1:123456789012:task/my-cluster/abc123def456"
)

type awsConfig struct {
	credentials aws.CredentialsProvider
}

type identityCaller interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type clusterDescriber interface {
	DescribeClusters(ctx context.Context, params *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error)
}

// preflight resolves the task ARN and runs best-effort AWS checks. None
// of it is fatal: without credentials the agent still dials out and
// sends an empty handshake, and the server decides whether that passes.
func (a *Agent) preflight(ctx context.Context) {
	a.taskARN = a.resolveTaskARN()

	if a.cfg.SkipIAMValidation {
		a.log.Warn().Msg("IAM validation is disabled, this should only be used in development")
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithDefaultRegion(defaultRegion))
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to load aws configuration, identity handshake will be empty")
		return
	}
	if cfg.Region != "" {
		a.region = cfg.Region
	}
	a.awsCfg = &awsConfig{credentials: cfg.Credentials}

	a.validateIdentity(ctx, sts.NewFromConfig(cfg))
	if !a.cfg.SkipIAMValidation {
		a.checkClusterAccess(ctx, ecs.NewFromConfig(cfg))
	}
}

func (a *Agent) validateIdentity(ctx context.Context, client identityCaller) bool {
	out, err := client.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		a.log.Error().Err(err).Msg("failed to validate IAM identity")
		return false
	}
	if out.Arn == nil {
		a.log.Warn().Msg("could not get caller identity ARN")
		return false
	}
	a.log.Info().Str("arn", *out.Arn).Msg("validated IAM identity")
	return true
}

func (a *Agent) checkClusterAccess(ctx context.Context, client clusterDescriber) bool {
	out, err := client.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{a.cfg.ClusterName},
	})
	if err != nil {
		a.log.Error().Err(err).Str("cluster", a.cfg.ClusterName).Msg("failed to access ECS cluster")
		return false
	}
	if len(out.Clusters) == 0 {
		a.log.Warn().Str("cluster", a.cfg.ClusterName).Msg("ECS cluster not found")
		return false
	}
	a.log.Info().Str("cluster", a.cfg.ClusterName).Msg("validated ECS cluster access")
	return true
}

func (a *Agent) resolveTaskARN() string {
	uri := os.Getenv("ECS_CONTAINER_METADATA_URI_V4")
	if uri == "" {
		a.log.Warn().Msg("ECS_CONTAINER_METADATA_URI_V4 not set, using placeholder task ARN")
		return placeholderTaskARN
	}
	arn, err := a.fetchTaskARN(uri)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to fetch task metadata, using placeholder task ARN")
		return fallbackTaskARN
	}
	a.log.Info().Str("task_arn", arn).Msg("resolved task ARN from container metadata")
	return arn
}

func (a *Agent) fetchTaskARN(metadataURI string) (string, error) {
	resp, err := a.httpClient.Get(strings.TrimRight(metadataURI, "/") + "/task")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("task metadata endpoint returned %d", resp.StatusCode)
	}

	var doc struct {
		TaskARN string `json:"TaskARN"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", errors.Wrap(err, "decode task metadata")
	}
	if doc.TaskARN == "" {
		return "", errors.New("task metadata has no TaskARN")
	}
	return doc.TaskARN, nil
}

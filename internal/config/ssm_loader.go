package config

import (
	"context"
	"fmt"

	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMParameterStoreClient is the subset of the SSM API the loader
// needs. Tests substitute a fake.
type SSMParameterStoreClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMLoader reads parameters from AWS Systems Manager Parameter Store.
type SSMLoader struct {
	client SSMParameterStoreClient
}

// NewSSMLoader builds a loader on the default AWS credential chain.
func NewSSMLoader(ctx context.Context) (*SSMLoader, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &SSMLoader{client: ssm.NewFromConfig(cfg)}, nil
}

// NewSSMLoaderWithClient wires a caller-supplied client. Test hook.
func NewSSMLoaderWithClient(client SSMParameterStoreClient) *SSMLoader {
	return &SSMLoader{client: client}
}

// GetParameter retrieves one parameter, decrypting SecureString values
// when decrypt is set.
func (l *SSMLoader) GetParameter(ctx context.Context, name string, decrypt bool) (string, error) {
	result, err := l.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(decrypt),
	})
	if err != nil {
		logger.Error("Failed to get SSM parameter", "name", name, "error", err)
		return "", fmt.Errorf("failed to get parameter %s: %w", name, err)
	}
	if result.Parameter == nil || result.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}

	logger.Info("Retrieved SSM parameter", "name", name)
	return *result.Parameter.Value, nil
}

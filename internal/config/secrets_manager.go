package config

import (
	"context"
	"fmt"

	"github.com/ComUnity/audit-service/internal/util/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerClient is the subset of the Secrets Manager API the
// loader needs. Tests substitute a fake.
type SecretsManagerClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSSecretsLoader reads secrets from AWS Secrets Manager.
type AWSSecretsLoader struct {
	client SecretsManagerClient
}

// NewAWSSecretsLoader builds a loader on the default AWS credential
// chain.
func NewAWSSecretsLoader(ctx context.Context) (*AWSSecretsLoader, error) {
	cfg, err := awscfg.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &AWSSecretsLoader{client: secretsmanager.NewFromConfig(cfg)}, nil
}

// NewAWSSecretsLoaderWithClient wires a caller-supplied client. Test
// hook.
func NewAWSSecretsLoaderWithClient(client SecretsManagerClient) *AWSSecretsLoader {
	return &AWSSecretsLoader{client: client}
}

// GetSecret retrieves one secret string. The value never reaches the
// logs.
func (l *AWSSecretsLoader) GetSecret(ctx context.Context, name string) (string, error) {
	result, err := l.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		logger.Error("Failed to get secret", "name", name, "error", err)
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if result.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}

	logger.Info("Retrieved secret", "name", name)
	return *result.SecretString, nil
}

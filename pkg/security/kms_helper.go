package security

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// KMSClient is the subset of the KMS API the key source needs. Tests
// substitute a fake.
type KMSClient interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

// KMSConfig configures the KMS-backed key source.
type KMSConfig struct {
	KeyID             string            `yaml:"key_id"`
	EncryptionContext map[string]string `yaml:"encryption_context"`
	Timeout           time.Duration     `yaml:"timeout"`

	// Ciphertexts maps key names to base64 data-key blobs generated
	// under KeyID. They are unwrapped once and cached.
	Ciphertexts map[string]string `yaml:"ciphertexts"`
}

// Helper wraps the KMS client with timeouts and encryption context.
type Helper struct {
	client KMSClient
	cfg    KMSConfig
}

// NewKMSHelper builds a Helper on the default AWS config chain.
func NewKMSHelper(ctx context.Context, cfg KMSConfig, optFns ...func(*awscfg.LoadOptions) error) (*Helper, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	awsCfg, err := awscfg.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return &Helper{client: kms.NewFromConfig(awsCfg), cfg: cfg}, nil
}

// WithClient builds a Helper around an existing client. Test hook.
func WithClient(client KMSClient, cfg KMSConfig) *Helper {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Helper{client: client, cfg: cfg}
}

// DecryptDataKey unwraps a stored data key back into plaintext
// (remember to wipe).
func (h *Helper) DecryptDataKey(ctx context.Context, ciphertextB64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, fmt.Errorf("kms DecryptDataKey: base64: %w", err)
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	in := &kms.DecryptInput{CiphertextBlob: raw}
	if len(h.cfg.EncryptionContext) > 0 {
		in.EncryptionContext = h.cfg.EncryptionContext
	}
	out, err := h.client.Decrypt(cctx, in)
	if err != nil {
		return nil, fmt.Errorf("kms DecryptDataKey: %w", err)
	}
	return out.Plaintext, nil
}

// KeyHealth reports the master key state for health checks.
func (h *Helper) KeyHealth(ctx context.Context) (string, error) {
	if h.cfg.KeyID == "" {
		return "unconfigured", nil
	}
	cctx, cancel := context.WithTimeout(ctx, h.cfg.Timeout)
	defer cancel()

	out, err := h.client.DescribeKey(cctx, &kms.DescribeKeyInput{
		KeyId: aws.String(h.cfg.KeyID),
	})
	if err != nil {
		return "unavailable", err
	}
	if out.KeyMetadata == nil {
		return "unknown", nil
	}
	switch out.KeyMetadata.KeyState {
	case kmstypes.KeyStateEnabled:
		return "healthy", nil
	case kmstypes.KeyStatePendingDeletion:
		return "pending_deletion", nil
	default:
		return string(out.KeyMetadata.KeyState), nil
	}
}

// Wipe zeroes key material.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

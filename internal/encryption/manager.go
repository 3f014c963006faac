package encryption

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"faucet-service/internal/config"
	"faucet-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"go.uber.org/zap"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrNoSigningKey     = errors.New("no signing key configured")
	ErrMalformedKey     = errors.New("signing key is not 32 bytes of hex")

	hexKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

// Decrypter is the part of the KMS API the key manager uses. *kms.Client satisfies it.
type Decrypter interface {
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KeyManager resolves the faucet's operating key, either from the plain
// environment setting or by decrypting a KMS ciphertext.
type KeyManager struct {
	kmsClient Decrypter
	config    *config.Config
	logger    *zap.Logger
}

// NewKMSClient builds a KMS client from the default AWS credential chain.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func NewKeyManager(cfg *config.Config, kmsClient Decrypter, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		kmsClient: kmsClient,
		config:    cfg,
		logger:    logger,
	}
}

// SigningKey returns the operating key as 64 hex characters without a 0x prefix.
func (km *KeyManager) SigningKey(ctx context.Context) (string, error) {
	if !km.config.KMS.Enabled {
		if km.config.Chain.PrivateKey == "" {
			return "", ErrNoSigningKey
		}
		return normalizeHexKey(km.config.Chain.PrivateKey)
	}

	if km.kmsClient == nil {
		return "", fmt.Errorf("%w: kms client not configured", ErrDecryptionFailed)
	}

	ciphertextBlob, err := base64.StdEncoding.DecodeString(strings.TrimSpace(km.config.KMS.CiphertextB64))
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	input := &kms.DecryptInput{
		CiphertextBlob: ciphertextBlob,
	}
	if km.config.KMS.KeyID != "" {
		input.KeyId = aws.String(km.config.KMS.KeyID)
	}

	result, err := km.kmsClient.Decrypt(ctx, input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	km.logger.Info("Signing key decrypted with KMS", util.String("key_id", aws.ToString(result.KeyId)))

	// Raw 32-byte keys and hex text are both accepted.
	if len(result.Plaintext) == 32 {
		return hex.EncodeToString(result.Plaintext), nil
	}
	return normalizeHexKey(string(result.Plaintext))
}

func normalizeHexKey(s string) (string, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if !hexKeyPattern.MatchString(s) {
		return "", ErrMalformedKey
	}
	return strings.ToLower(s), nil
}

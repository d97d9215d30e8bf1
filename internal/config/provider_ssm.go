package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the AWS SSM GetParameters API limit per call.
const ssmMaxBatchSize = 10

// ssmClient abstracts the AWS SSM API surface used by the provider.
type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMSecretProvider resolves secrets from AWS Systems Manager Parameter Store.
// The AWS client is created lazily on first use so that constructing the
// provider never requires AWS credentials.
type SSMSecretProvider struct {
	region string

	mu     sync.Mutex
	client ssmClient
}

// NewSSMSecretProvider creates a provider for the given AWS region. If region
// is empty, the SDK's default resolution chain is used.
func NewSSMSecretProvider(region string) *SSMSecretProvider {
	return &SSMSecretProvider{region: region}
}

// newSSMSecretProviderWithClient allows tests to inject a mock SSM client.
func newSSMSecretProviderWithClient(client ssmClient) *SSMSecretProvider {
	return &SSMSecretProvider{client: client}
}

// ensureClient lazily initializes the AWS SSM client.
func (p *SSMSecretProvider) ensureClient(ctx context.Context) (ssmClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if p.region != "" {
		opts = append(opts, awsconfig.WithRegion(p.region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	p.client = ssm.NewFromConfig(awsCfg)
	return p.client, nil
}

// GetParametersBatch fetches parameters in batches of up to 10 (the SSM API
// limit), with decryption enabled for SecureString parameters. An invalid
// parameter name in any batch fails the whole call.
func (p *SSMSecretProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return map[string]string{}, nil
	}

	client, err := p.ensureClient(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string]string, len(keys))

	for start := 0; start < len(keys); start += ssmMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := start + ssmMaxBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		output, err := client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          batch,
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters failed for batch starting at %d: %w", start, err)
		}

		if len(output.InvalidParameters) > 0 {
			return nil, fmt.Errorf("invalid SSM parameters: %s", strings.Join(output.InvalidParameters, ", "))
		}

		for _, param := range output.Parameters {
			if param.Name != nil && param.Value != nil {
				result[*param.Name] = *param.Value
			}
		}
	}

	return result, nil
}

package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmMaxBatchSize is the maximum number of names a single GetParameters
// call accepts. This is an AWS service limit.
const ssmMaxBatchSize = 10

// ssmClient is the subset of the SSM SDK client used by SSMProvider.
// Tests substitute a fake that records the requested batches.
type ssmClient interface {
	GetParameters(ctx context.Context, params *ssm.GetParametersInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersOutput, error)
}

// SSMProvider implements SecretProvider on top of AWS Systems Manager
// Parameter Store. Deployed environments keep the OpenWeather key, the JWT
// signing secret and the database URL as SecureString parameters and point
// at them with <VAR>_SSM_PARAM variables.
//
// Lookups are batched with decryption enabled and stay within the SSM limit
// of ten names per request. The context is checked between batches so a
// cancelled startup stops promptly.
type SSMProvider struct {
	// region is where the parameters live. The API server and the
	// agent-runner read them from their own region.
	region string

	// client is created lazily from the default AWS config when nil.
	client ssmClient
}

// NewSSMProvider creates an SSMProvider for region. No AWS call is made
// until the first GetParametersBatch, so constructing a provider in an
// environment without credentials is harmless as long as no _SSM_PARAM
// variables are set.
func NewSSMProvider(region string) *SSMProvider {
	return &SSMProvider{region: region}
}

// newSSMProviderWithClient creates an SSMProvider around an injected client.
func newSSMProviderWithClient(region string, client ssmClient) *SSMProvider {
	return &SSMProvider{region: region, client: client}
}

// ensureClient builds the SDK client from the default credential chain on
// first use.
func (p *SSMProvider) ensureClient(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.region))
	if err != nil {
		return fmt.Errorf("loading AWS config for SSM (region=%s): %w", p.region, err)
	}
	p.client = ssm.NewFromConfig(cfg)
	return nil
}

// GetParametersBatch resolves SSM parameter paths to their decrypted
// values.
//
// Behavior:
//   - keys are sent in groups of ssmMaxBatchSize
//   - every call sets WithDecryption
//   - context cancellation is checked before each batch
//   - the result maps parameter path to plaintext value
//   - any name SSM reports as invalid fails the whole call, since a
//     missing secret would otherwise surface later as an empty API key
func (p *SSMProvider) GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return make(map[string]string), nil
	}
	if err := p.ensureClient(ctx); err != nil {
		return nil, err
	}

	result := make(map[string]string, len(keys))
	for start := 0; start < len(keys); start += ssmMaxBatchSize {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("context cancelled during SSM parameter retrieval: %w", err)
		}

		end := min(start+ssmMaxBatchSize, len(keys))
		output, err := p.client.GetParameters(ctx, &ssm.GetParametersInput{
			Names:          keys[start:end],
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, fmt.Errorf("SSM GetParameters failed (batch %d-%d of %d): %w", start, end-1, len(keys), err)
		}

		for _, param := range output.Parameters {
			if param.Name != nil && param.Value != nil {
				result[*param.Name] = *param.Value
			}
		}
		if len(output.InvalidParameters) > 0 {
			return nil, fmt.Errorf("SSM parameters not found: %v", output.InvalidParameters)
		}
	}

	return result, nil
}

// Package provider builds llms.Model instances from configuration. Every
// supported backend is exposed through the langchaingo llms.Model interface
// so the rest of the pipeline never deals with provider specifics.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mykhaliev/org-promptgen/logger"
	"github.com/mykhaliev/org-promptgen/model"
	"github.com/mykhaliev/org-promptgen/templates"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/bedrock"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/googleai/vertex"
	"github.com/tmc/langchaingo/llms/openai"
)

// InitProviders creates all configured providers and returns them keyed by name.
// Config values are rendered against the environment first, so tokens can be
// supplied as {{env.GROQ_API_KEY}} rather than inlined in the file.
func InitProviders(ctx context.Context, providerConfigs []model.Provider) (map[string]llms.Model, error) {
	if len(providerConfigs) == 0 {
		return nil, fmt.Errorf("no providers to initialize")
	}

	logger.Logger.Info("Initializing providers", "count", len(providerConfigs))
	env := templates.AllEnv()
	providers := make(map[string]llms.Model)

	for i, p := range providerConfigs {
		p.Name = templates.Render(p.Name, env)
		p.Token = templates.Render(p.Token, env)
		p.Secret = templates.Render(p.Secret, env)
		p.Model = templates.Render(p.Model, env)
		p.BaseURL = templates.Render(p.BaseURL, env)
		p.Version = templates.Render(p.Version, env)
		p.ProjectID = templates.Render(p.ProjectID, env)
		p.Location = templates.Render(p.Location, env)
		p.CredentialsPath = templates.Render(p.CredentialsPath, env)
		p.AuthType = templates.Render(p.AuthType, env)

		logger.Logger.Debug("Initializing provider",
			"index", i+1,
			"total", len(providerConfigs),
			"name", p.Name,
			"type", p.Type,
			"model", p.Model)

		if p.Name == "" {
			return nil, fmt.Errorf("provider at index %d has empty name", i)
		}
		if _, exists := providers[p.Name]; exists {
			return nil, fmt.Errorf("duplicate provider name: %s", p.Name)
		}

		llmModel, err := CreateProvider(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider '%s': %w", p.Name, err)
		}

		providers[p.Name] = llmModel
		logger.Logger.Info("Provider initialized", "name", p.Name)
	}

	return providers, nil
}

// CreateProvider instantiates a single LLM backend from its configuration,
// wrapping it with rate limiting and 429 retry handling when configured.
func CreateProvider(ctx context.Context, p model.Provider) (llms.Model, error) {
	// Token is required for all providers except Vertex and Azure with Entra ID auth
	isEntraIDAuth := p.Type == model.ProviderAzure && strings.ToLower(p.AuthType) == "entra_id"
	if p.Type != model.ProviderVertex && !isEntraIDAuth && p.Token == "" {
		return nil, fmt.Errorf("provider token is empty")
	}

	if p.Model == "" {
		return nil, fmt.Errorf("provider model is empty")
	}

	// Custom HTTP client captures Retry-After headers from 429 responses,
	// which langchaingo does not surface in its errors.
	var retryAfterClient *RetryAfterHTTPClient
	if p.Retry.RetryOn429 {
		retryAfterClient = NewRetryAfterHTTPClient(nil)
		logger.Logger.Debug("Created Retry-After HTTP client for header capture", "provider", p.Name)
	}

	var llmModel llms.Model
	var err error

	switch p.Type {
	case model.ProviderGroq:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		} else {
			opts = append(opts, openai.WithBaseURL("https://api.groq.com/openai/v1"))
		}
		llmModel, err = openai.New(opts...)
	case model.ProviderGoogle:
		googleOpts := []googleai.Option{
			googleai.WithAPIKey(p.Token),
			googleai.WithDefaultModel(p.Model),
		}
		if retryAfterClient != nil {
			googleOpts = append(googleOpts, googleai.WithHTTPClient(retryAfterClient.wrapped))
		}
		llmModel, err = googleai.New(ctx, googleOpts...)
	case model.ProviderVertex:
		llmModel, err = vertex.New(
			ctx,
			googleai.WithDefaultModel(p.Model),
			googleai.WithCloudProject(p.ProjectID),
			googleai.WithCloudLocation(p.Location),
			googleai.WithCredentialsFile(p.CredentialsPath),
		)
	case model.ProviderAnthropic:
		opts := []anthropic.Option{
			anthropic.WithModel(p.Model),
			anthropic.WithToken(p.Token),
		}
		if retryAfterClient != nil {
			opts = append(opts, anthropic.WithHTTPClient(retryAfterClient))
		}
		llmModel, err = anthropic.New(opts...)
	case model.ProviderAmazonAnthropic:
		cfg, cfgErr := awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(p.Location),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				p.Token,
				p.Secret,
				"",
			)),
		)
		if cfgErr != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", cfgErr)
		}
		brc := bedrockruntime.NewFromConfig(cfg)
		llmModel, err = bedrock.New(
			bedrock.WithClient(brc),
			bedrock.WithModel(p.Model),
		)
	case model.ProviderOpenAI:
		opts := []openai.Option{
			openai.WithToken(p.Token),
			openai.WithModel(p.Model),
		}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}
		if p.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(p.BaseURL))
		}
		llmModel, err = openai.New(opts...)
	case model.ProviderAzure:
		if p.Version == "" {
			return nil, fmt.Errorf("Azure provider requires version")
		}
		if p.BaseURL == "" {
			return nil, fmt.Errorf("Azure provider requires base URL")
		}

		opts := []openai.Option{
			openai.WithModel(p.Model),
			openai.WithAPIVersion(p.Version),
			openai.WithBaseURL(p.BaseURL),
		}
		if retryAfterClient != nil {
			opts = append(opts, openai.WithHTTPClient(retryAfterClient))
		}

		if isEntraIDAuth {
			logger.Logger.Debug("Using Entra ID authentication for Azure provider")
			cred, credErr := azidentity.NewDefaultAzureCredential(nil)
			if credErr != nil {
				return nil, fmt.Errorf("failed to create Azure credential: %w", credErr)
			}
			token, tokenErr := cred.GetToken(ctx, policy.TokenRequestOptions{
				Scopes: []string{"https://cognitiveservices.azure.com/.default"},
			})
			if tokenErr != nil {
				return nil, fmt.Errorf("failed to get Azure token: %w", tokenErr)
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzureAD))
			opts = append(opts, openai.WithToken(token.Token))
		} else {
			if p.Token == "" {
				return nil, fmt.Errorf("Azure provider requires token when using api_key authentication")
			}
			opts = append(opts, openai.WithAPIType(openai.APITypeAzure))
			opts = append(opts, openai.WithToken(p.Token))
		}

		llmModel, err = openai.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", p.Type)
	}

	if err != nil {
		return nil, err
	}
	if llmModel == nil {
		return nil, fmt.Errorf("provider created but model is nil")
	}

	if needsWrapper(p.RateLimits, p.Retry) {
		logger.Logger.Info("Wrapping provider with rate limiter/retry handler",
			"name", p.Name,
			"tpm", p.RateLimits.TPM,
			"rpm", p.RateLimits.RPM,
			"retry_on_429", p.Retry.RetryOn429)
		rateLimited := NewRateLimitedLLM(llmModel, p.RateLimits, p.Retry, p.Model)
		if retryAfterClient != nil {
			rateLimited.SetRetryAfterProvider(retryAfterClient)
		}
		llmModel = rateLimited
	}

	return llmModel, nil
}

func needsWrapper(rateLimits model.RateLimitConfig, retry model.RetryConfig) bool {
	return rateLimits.TPM > 0 || rateLimits.RPM > 0 || retry.RetryOn429
}

// UsageFromResponse extracts token usage from a provider response. Providers
// disagree on GenerationInfo key names, so several variants are probed.
func UsageFromResponse(response *llms.ContentResponse) model.TokenUsage {
	if response == nil || len(response.Choices) == 0 {
		return model.TokenUsage{}
	}

	info := response.Choices[0].GenerationInfo
	if info == nil {
		return model.TokenUsage{}
	}

	for _, keys := range [][2]string{
		{"PromptTokens", "CompletionTokens"},
		{"prompt_tokens", "completion_tokens"},
		{"input_tokens", "output_tokens"},
	} {
		in := extractInt(info[keys[0]])
		out := extractInt(info[keys[1]])
		if in > 0 || out > 0 {
			return model.TokenUsage{Input: in, Output: out}
		}
	}

	return model.TokenUsage{}
}

func extractInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

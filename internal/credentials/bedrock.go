package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// BedrockRotator wraps a Credentials source and adds STS-based short-lived
// credential refresh for Bedrock-fronted providers, per SPEC_FULL.md's
// CredentialPort.rotate_on_rate_limit wiring for aws-sdk-go-v2.
type BedrockRotator struct {
	base    *Credentials
	region  string
	roleARN string

	mu        sync.Mutex
	sessionID string
	expiresAt time.Time
}

// NewBedrockRotator wraps base with Bedrock STS rotation, if bedrock
// credentials are configured; otherwise it behaves exactly like base.
func NewBedrockRotator(base *Credentials) *BedrockRotator {
	r := &BedrockRotator{base: base}
	if base != nil && base.Bedrock != nil {
		r.region = base.Bedrock.Region
		r.roleARN = base.Bedrock.RoleARN
	}
	return r
}

func (r *BedrockRotator) Get(provider string) (string, bool) {
	if provider == Bedrock {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.sessionID != "" && time.Now().Before(r.expiresAt) {
			return r.sessionID, true
		}
		return "", false
	}
	return r.base.Get(provider)
}

// RotateOnRateLimit assumes the configured role via STS and caches the
// resulting session token identifier until near expiry. Non-Bedrock
// providers fall through to the wrapped base (which never rotates).
func (r *BedrockRotator) RotateOnRateLimit(ctx context.Context, provider string) (string, bool, error) {
	if provider != Bedrock || r.roleARN == "" {
		return r.base.RotateOnRateLimit(ctx, provider)
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(r.region))
	if err != nil {
		return "", false, fmt.Errorf("credentials: loading aws config: %w", err)
	}
	client := sts.NewFromConfig(cfg)

	sessionName := fmt.Sprintf("agentcore-rotate-%d", time.Now().Unix())
	out, err := client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         &r.roleARN,
		RoleSessionName: &sessionName,
	})
	if err != nil {
		return "", false, fmt.Errorf("credentials: assume role: %w", err)
	}
	if out.Credentials == nil || out.Credentials.AccessKeyId == nil {
		return "", false, fmt.Errorf("credentials: sts returned no credentials")
	}

	r.mu.Lock()
	r.sessionID = *out.Credentials.AccessKeyId
	if out.Credentials.Expiration != nil {
		r.expiresAt = *out.Credentials.Expiration
	} else {
		r.expiresAt = time.Now().Add(15 * time.Minute)
	}
	sessionID := r.sessionID
	r.mu.Unlock()

	return sessionID, true, nil
}

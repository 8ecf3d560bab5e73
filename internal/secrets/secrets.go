// Package secrets resolves secret references that appear in configuration
// values, so deployments can keep credentials out of config files.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

// Resolver resolves secret references. A reference is a config value in one
// of the following forms; anything else is returned unchanged:
//
//	env://NAME                 environment variable
//	file:///path/to/secret     file contents, trimmed
//	aws-sm://name[#key]        AWS Secrets Manager (key selects a field of a
//	                           JSON secret)
//	gcp-sm://projects/p/secrets/s[/versions/v]
//	                           GCP Secret Manager, defaulting to latest
//	vault://mount/path#key     Vault KV v2
//
// Provider clients are created on first use and reused.
type Resolver struct {
	mu    sync.Mutex
	aws   *secretsmanager.Client
	gcp   *secretmanager.Client
	vault *vault.Client
}

// NewResolver creates an empty resolver. No provider is contacted until a
// reference for it is resolved.
func NewResolver() *Resolver {
	return &Resolver{}
}

// IsReference reports whether value uses one of the supported schemes.
func IsReference(value string) bool {
	for _, scheme := range []string{"env://", "file://", "aws-sm://", "gcp-sm://", "vault://"} {
		if strings.HasPrefix(value, scheme) {
			return true
		}
	}
	return false
}

// Resolve returns the secret a reference points at. Plain values pass
// through unchanged.
func (r *Resolver) Resolve(ctx context.Context, value string) (string, error) {
	switch {
	case strings.HasPrefix(value, "env://"):
		return r.resolveEnv(strings.TrimPrefix(value, "env://"))
	case strings.HasPrefix(value, "file://"):
		return r.resolveFile(strings.TrimPrefix(value, "file://"))
	case strings.HasPrefix(value, "aws-sm://"):
		return r.resolveAWS(ctx, strings.TrimPrefix(value, "aws-sm://"))
	case strings.HasPrefix(value, "gcp-sm://"):
		return r.resolveGCP(ctx, strings.TrimPrefix(value, "gcp-sm://"))
	case strings.HasPrefix(value, "vault://"):
		return r.resolveVault(strings.TrimPrefix(value, "vault://"))
	default:
		return value, nil
	}
}

func (r *Resolver) resolveEnv(name string) (string, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("secret env variable %s is not set", name)
	}
	return v, nil
}

func (r *Resolver) resolveFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *Resolver) resolveAWS(ctx context.Context, ref string) (string, error) {
	name, key, _ := strings.Cut(ref, "#")

	client, err := r.awsClient(ctx)
	if err != nil {
		return "", err
	}
	out, err := client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("aws secrets manager %s: %w", name, err)
	}
	value := aws.ToString(out.SecretString)
	if key == "" {
		return value, nil
	}

	var fields map[string]string
	if err := json.Unmarshal([]byte(value), &fields); err != nil {
		return "", fmt.Errorf("aws secret %s is not a JSON object: %w", name, err)
	}
	v, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("aws secret %s has no field %s", name, key)
	}
	return v, nil
}

func (r *Resolver) resolveGCP(ctx context.Context, name string) (string, error) {
	if !strings.Contains(name, "/versions/") {
		name += "/versions/latest"
	}

	client, err := r.gcpClient(ctx)
	if err != nil {
		return "", err
	}
	resp, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: name,
	})
	if err != nil {
		return "", fmt.Errorf("gcp secret manager %s: %w", name, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *Resolver) resolveVault(ref string) (string, error) {
	path, key, ok := strings.Cut(ref, "#")
	if !ok || key == "" {
		return "", fmt.Errorf("vault reference %q must name a key after #", ref)
	}
	mount, secretPath, ok := strings.Cut(path, "/")
	if !ok || secretPath == "" {
		return "", fmt.Errorf("vault reference %q must be mount/path#key", ref)
	}

	client, err := r.vaultClient()
	if err != nil {
		return "", err
	}
	secret, err := client.KVv2(mount).Get(context.Background(), secretPath)
	if err != nil {
		return "", fmt.Errorf("vault %s/%s: %w", mount, secretPath, err)
	}
	v, ok := secret.Data[key]
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s has no key %s", mount, secretPath, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("vault secret %s/%s key %s is not a string", mount, secretPath, key)
	}
	return s, nil
}

func (r *Resolver) awsClient(ctx context.Context) (*secretsmanager.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws == nil {
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading aws config: %w", err)
		}
		r.aws = secretsmanager.NewFromConfig(cfg)
	}
	return r.aws, nil
}

func (r *Resolver) gcpClient(ctx context.Context) (*secretmanager.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gcp == nil {
		client, err := secretmanager.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("creating gcp secret manager client: %w", err)
		}
		r.gcp = client
	}
	return r.gcp, nil
}

func (r *Resolver) vaultClient() (*vault.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.vault == nil {
		client, err := vault.NewClient(vault.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("creating vault client: %w", err)
		}
		r.vault = client
	}
	return r.vault, nil
}

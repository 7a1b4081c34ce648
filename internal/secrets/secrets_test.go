package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type MockSecretsManager struct {
	GetSecretValueFunc func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error)
	calls              int
}

func (m *MockSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	return m.GetSecretValueFunc(ctx, params)
}

func TestAWSSecretsManager_CachesValue(t *testing.T) {
	mock := &MockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			assert.Equal(t, "prod/openai", aws.ToString(params.SecretId))
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("sk-live")}, nil
		},
	}
	store := newAWSSecretsManager(mock)

	for i := 0; i < 3; i++ {
		value, err := store.GetSecret(context.Background(), "prod/openai")
		require.NoError(t, err)
		assert.Equal(t, "sk-live", value)
	}

	assert.Equal(t, 1, mock.calls)
}

func TestAWSSecretsManager_ExpiredCacheRefetches(t *testing.T) {
	mock := &MockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return &secretsmanager.GetSecretValueOutput{SecretString: aws.String("sk-live")}, nil
		},
	}
	store := newAWSSecretsManager(mock)
	store.SetCacheTTL(0)

	store.GetSecret(context.Background(), "prod/openai")
	store.GetSecret(context.Background(), "prod/openai")

	assert.Equal(t, 2, mock.calls)
}

func TestAWSSecretsManager_Error(t *testing.T) {
	store := newAWSSecretsManager(&MockSecretsManager{
		GetSecretValueFunc: func(ctx context.Context, params *secretsmanager.GetSecretValueInput) (*secretsmanager.GetSecretValueOutput, error) {
			return nil, errors.New("access denied")
		},
	})

	_, err := store.GetSecret(context.Background(), "prod/openai")

	assert.ErrorContains(t, err, "access denied")
}

func TestInMemorySecretStore(t *testing.T) {
	store := NewInMemorySecretStore()
	ctx := context.Background()

	_, err := store.GetSecret(ctx, "missing")
	assert.Error(t, err)

	store.SetSecret("key", "value1")
	store.SetSecret("key", "value2")

	value, err := store.GetSecret(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, "value2", value)
}

func TestResolveProviderCredentials(t *testing.T) {
	tests := []struct {
		name    string
		secret  string
		want    ProviderCredentials
		wantErr bool
	}{
		{
			name:   "bare key",
			secret: "  sk-plain\n",
			want:   ProviderCredentials{APIKey: "sk-plain"},
		},
		{
			name:   "json with organization",
			secret: `{"api_key": "sk-json", "organization": "org-1"}`,
			want:   ProviderCredentials{APIKey: "sk-json", Organization: "org-1"},
		},
		{
			name:    "json without key",
			secret:  `{"organization": "org-1"}`,
			wantErr: true,
		},
		{
			name:    "malformed json",
			secret:  `{"api_key": `,
			wantErr: true,
		},
		{
			name:    "empty",
			secret:  "   ",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewInMemorySecretStore()
			store.SetSecret("openai", tt.secret)

			got, err := ResolveProviderCredentials(context.Background(), store, "openai")

			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

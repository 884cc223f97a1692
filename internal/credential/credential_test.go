package credential

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/modelbridge/internal/canonical"
)

type MockSecretStore struct{ mock.Mock }

func (m *MockSecretStore) GetSecret(ctx context.Context, caller canonical.Caller, key string) (string, error) {
	args := m.Called(ctx, caller, key)
	return args.String(0), args.Error(1)
}

var caller = canonical.Caller{ID: "user-1", TeamID: "team-1"}

func descriptor(p canonical.Provider, modes ...canonical.CredentialStrategy) canonical.ModelDescriptor {
	return canonical.ModelDescriptor{ModelID: "m", Provider: p, CredentialMode: modes}
}

func TestResolve_InternalWinsWithoutTouchingVault(t *testing.T) {
	store := &MockSecretStore{}
	r := NewResolver(DefaultKeys{canonical.ProviderAnthropic: "sys-key"}, store, time.Second)

	creds, err := r.Resolve(context.Background(), caller,
		descriptor(canonical.ProviderAnthropic, canonical.CredentialInternal, canonical.CredentialVault))
	require.NoError(t, err)

	assert.Equal(t, "sys-key", creds.APIKey)
	assert.False(t, creds.UserSupplied)
	assert.Equal(t, canonical.KeySourceSystem, creds.KeySource())
	store.AssertNotCalled(t, "GetSecret", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_FallsThroughToVault(t *testing.T) {
	store := &MockSecretStore{}
	store.On("GetSecret", mock.Anything, caller, "anthropic_api_key").Return("user-key", nil).Once()
	r := NewResolver(DefaultKeys{}, store, time.Second)

	creds, err := r.Resolve(context.Background(), caller,
		descriptor(canonical.ProviderAnthropic, canonical.CredentialInternal, canonical.CredentialVault))
	require.NoError(t, err)

	assert.Equal(t, "user-key", creds.Key())
	assert.True(t, creds.UserSupplied)
	store.AssertExpectations(t)
}

func TestResolve_VaultErrorIsSkipped(t *testing.T) {
	store := &MockSecretStore{}
	store.On("GetSecret", mock.Anything, caller, "byok").Return("", errors.New("db down"))
	r := NewResolver(DefaultKeys{canonical.ProviderOpenAI: "fallback"}, store, time.Second)

	desc := descriptor(canonical.ProviderOpenAI, canonical.CredentialVault, canonical.CredentialInternal)
	desc.VaultKey = "byok"
	creds, err := r.Resolve(context.Background(), caller, desc)
	require.NoError(t, err)
	assert.Equal(t, "fallback", creds.APIKey)
}

func TestResolve_VaultWarningsUseResolverLogger(t *testing.T) {
	store := &MockSecretStore{}
	store.On("GetSecret", mock.Anything, caller, mock.Anything).Return("", errors.New("db down"))
	var buf bytes.Buffer
	r := NewResolver(DefaultKeys{}, store, time.Second, WithLogger(slog.New(slog.NewTextHandler(&buf, nil))))

	_, err := r.Resolve(context.Background(), caller,
		descriptor(canonical.ProviderOpenAI, canonical.CredentialVault, canonical.CredentialProviderVault))
	require.ErrorIs(t, err, canonical.ErrCredentialMissing)
	assert.Contains(t, buf.String(), "vault lookup failed")
	assert.Contains(t, buf.String(), "db down")
}

func TestResolve_NoneIsImmediate(t *testing.T) {
	store := &MockSecretStore{}
	r := NewResolver(DefaultKeys{}, store, time.Second)

	creds, err := r.Resolve(context.Background(), caller,
		descriptor(canonical.ProviderOpenAI, canonical.CredentialNone, canonical.CredentialVault))
	require.NoError(t, err)
	assert.Equal(t, canonical.CredentialKindNone, creds.Kind)
	store.AssertNotCalled(t, "GetSecret", mock.Anything, mock.Anything, mock.Anything)
}

func TestResolve_MissingEverywhere(t *testing.T) {
	store := &MockSecretStore{}
	store.On("GetSecret", mock.Anything, mock.Anything, mock.Anything).Return("", ErrSecretNotFound)
	r := NewResolver(DefaultKeys{}, store, time.Second)

	_, err := r.Resolve(context.Background(), caller,
		descriptor(canonical.ProviderGemini, canonical.CredentialInternal, canonical.CredentialVault, canonical.CredentialProviderVault))
	assert.ErrorIs(t, err, canonical.ErrCredentialMissing)

	var missing *canonical.CredentialMissingError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, canonical.ProviderGemini, missing.Provider)
}

func TestResolve_DefaultsToInternal(t *testing.T) {
	r := NewResolver(DefaultKeys{canonical.ProviderGemini: "g"}, nil, 0)
	creds, err := r.Resolve(context.Background(), caller, descriptor(canonical.ProviderGemini))
	require.NoError(t, err)
	assert.Equal(t, "g", creds.APIKey)
}

func TestProviderVault_AWSKeys(t *testing.T) {
	store := &MockSecretStore{}
	store.On("GetSecret", mock.Anything, caller, "bedrock_access_key_id").Return("AKIA", nil)
	store.On("GetSecret", mock.Anything, caller, "bedrock_secret_access_key").Return("shh", nil)
	store.On("GetSecret", mock.Anything, caller, "bedrock_session_token").Return("", ErrSecretNotFound)
	r := NewResolver(DefaultKeys{}, store, time.Second)

	creds, err := r.Resolve(context.Background(), caller, descriptor(canonical.ProviderBedrock, canonical.CredentialProviderVault))
	require.NoError(t, err)
	require.Equal(t, canonical.CredentialKindAWSKeys, creds.Kind)
	assert.Equal(t, &canonical.AWSKeys{AccessKeyID: "AKIA", SecretAccessKey: "shh"}, creds.AWS)
	assert.True(t, creds.UserSupplied)
}

func TestProviderVault_SkipsWhenRequiredPartMissing(t *testing.T) {
	store := &MockSecretStore{}
	store.On("GetSecret", mock.Anything, caller, "bedrock_access_key_id").Return("AKIA", nil)
	store.On("GetSecret", mock.Anything, caller, "bedrock_secret_access_key").Return("", nil)

	pv := &ProviderVault{Store: store}
	_, ok := pv.Resolve(context.Background(), caller, descriptor(canonical.ProviderBedrock))
	assert.False(t, ok)
	store.AssertNotCalled(t, "GetSecret", mock.Anything, caller, "bedrock_session_token")
}

func TestProviderVault_JSONBlob(t *testing.T) {
	store := &MockSecretStore{}
	store.On("GetSecret", mock.Anything, caller, "openai_api_key").Return("sk-user", nil)
	store.On("GetSecret", mock.Anything, caller, "openai_organization").Return("org-1", nil)
	store.On("GetSecret", mock.Anything, caller, "openai_project").Return("", ErrSecretNotFound)

	pv := &ProviderVault{Store: store}
	creds, ok := pv.Resolve(context.Background(), caller, descriptor(canonical.ProviderOpenAI))
	require.True(t, ok)
	assert.Equal(t, map[string]string{"api_key": "sk-user", "organization": "org-1"}, creds.JSONBlob)
	assert.Equal(t, "sk-user", creds.Key())
}

func TestVault_TimeoutCountsAsMissing(t *testing.T) {
	slow := &MockSecretStore{}
	slow.On("GetSecret", mock.Anything, caller, "anthropic_api_key").
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.DeadlineExceeded)

	v := &Vault{Store: slow, Timeout: 20 * time.Millisecond}
	start := time.Now()
	_, ok := v.Resolve(context.Background(), caller, descriptor(canonical.ProviderAnthropic))
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCachedSecretStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	backing := &MockSecretStore{}
	backing.On("GetSecret", mock.Anything, caller, "anthropic_api_key").Return("user-key", nil).Once()
	backing.On("GetSecret", mock.Anything, caller, "openai_api_key").Return("", ErrSecretNotFound).Twice()

	store := NewCachedSecretStore(backing, rdb, time.Minute, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		v, err := store.GetSecret(ctx, caller, "anthropic_api_key")
		require.NoError(t, err)
		assert.Equal(t, "user-key", v)
	}

	// misses are not cached
	for i := 0; i < 2; i++ {
		_, err := store.GetSecret(ctx, caller, "openai_api_key")
		assert.ErrorIs(t, err, ErrSecretNotFound)
	}
	backing.AssertExpectations(t)

	mr.FastForward(2 * time.Minute)
	backing.On("GetSecret", mock.Anything, caller, "anthropic_api_key").Return("rotated", nil).Once()
	v, err := store.GetSecret(ctx, caller, "anthropic_api_key")
	require.NoError(t, err)
	assert.Equal(t, "rotated", v)
}

type fakeRow struct {
	value string
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*string) = r.value
	return nil
}

type fakeDB struct {
	row  fakeRow
	args []any
}

func (d *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	d.args = args
	return d.row
}

func TestPostgresSecretStore(t *testing.T) {
	db := &fakeDB{row: fakeRow{value: "k"}}
	store := NewPostgresSecretStore(db)

	v, err := store.GetSecret(context.Background(), caller, "anthropic_api_key")
	require.NoError(t, err)
	assert.Equal(t, "k", v)
	assert.Equal(t, []any{"anthropic_api_key", "user-1", "team-1"}, db.args)

	db.row = fakeRow{err: pgx.ErrNoRows}
	_, err = store.GetSecret(context.Background(), caller, "x")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	db.row = fakeRow{err: errors.New("conn refused")}
	_, err = store.GetSecret(context.Background(), caller, "x")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrSecretNotFound)
}

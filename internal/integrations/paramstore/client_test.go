package paramstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	calls  int
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls++
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

func valueOutput(v string) *ssm.GetParameterOutput {
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: strPtr(v)}}
}

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: valueOutput(`{"token":"sk"}`)}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, `{"token":"sk"}`, v)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_CachesWithinTTL(t *testing.T) {
	api := &fakeAPI{getOut: valueOutput("gpt-4o-mini")}
	client, err := New(api, WithTTL(time.Minute))
	require.NoError(t, err)
	current := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		_, err := client.GetParameter(context.Background(), "/prefix/config/model")
		require.NoError(t, err)
	}
	require.Equal(t, 1, api.calls)

	current = current.Add(2 * time.Minute)
	_, err = client.GetParameter(context.Background(), "/prefix/config/model")
	require.NoError(t, err)
	require.Equal(t, 2, api.calls, "expired entries are refetched")
}

func TestGetParameter_ZeroTTLDisablesCache(t *testing.T) {
	api := &fakeAPI{getOut: valueOutput("v")}
	client, err := New(api, WithTTL(0))
	require.NoError(t, err)
	_, _ = client.GetParameter(context.Background(), "p")
	_, _ = client.GetParameter(context.Background(), "p")
	require.Equal(t, 2, api.calls)
}

func TestGetParameter_ErrorsAreNotCached(t *testing.T) {
	api := &fakeAPI{getErr: errors.New("throttled")}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "throttled")

	api.getErr = nil
	api.getOut = valueOutput("ok")
	v, err := client.GetParameter(context.Background(), "p")
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, 2, api.calls)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p"), Value: nil}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

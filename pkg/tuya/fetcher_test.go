package tuya

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTokens struct {
	token       string
	err         error
	invalidated int
}

func (f *fakeTokens) EnsureValid(context.Context) (string, error) { return f.token, f.err }
func (f *fakeTokens) Invalidate()                                 { f.invalidated++ }

type fakeStatus struct {
	calls    int
	gotToken string
	body     string
	err      error
}

func (f *fakeStatus) DeviceStatus(_ context.Context, _ string, token string) (*Payload, error) {
	f.calls++
	f.gotToken = token
	if f.err != nil {
		return nil, f.err
	}
	var p Payload
	if err := json.Unmarshal([]byte(f.body), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func TestFetch_FiltersDenylist(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	status := &fakeStatus{body: `{"success":true,"result":[{"code":"alarm_volume","value":"mute"},{"code":"co2_value","value":500}]}`}
	f := NewFetcher(tokens, status, nil)

	p, err := f.Fetch(context.Background(), "dev1")
	require.NoError(t, err)
	require.Equal(t, "tok", status.gotToken)
	require.Len(t, p.Result, 1)
	require.Equal(t, "co2_value", p.Result[0].Code)
}

func TestFetch_CredentialErrorSkipsDeviceCall(t *testing.T) {
	credErr := &CredentialError{Err: errors.New("no token")}
	tokens := &fakeTokens{err: credErr}
	status := &fakeStatus{}
	f := NewFetcher(tokens, status, nil)

	_, err := f.Fetch(context.Background(), "dev1")
	require.Same(t, credErr, err)
	require.Zero(t, status.calls)
}

func TestFetch_TokenRejectedInvalidates(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	status := &fakeStatus{err: &FetchError{DeviceID: "dev1", Status: 200, Code: codeTokenInvalid, Err: ErrUnsuccessful}}
	f := NewFetcher(tokens, status, nil)

	_, err := f.Fetch(context.Background(), "dev1")
	require.ErrorIs(t, err, ErrUnsuccessful)
	require.Equal(t, 1, tokens.invalidated)
	require.Equal(t, 1, status.calls)
}

func TestFetch_OtherFailureKeepsToken(t *testing.T) {
	tokens := &fakeTokens{token: "tok"}
	status := &fakeStatus{err: &FetchError{DeviceID: "dev1", Status: 503, Err: errors.New("unavailable")}}
	f := NewFetcher(tokens, status, nil)

	_, err := f.Fetch(context.Background(), "dev1")
	var fetchErr *FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.Zero(t, tokens.invalidated)
}

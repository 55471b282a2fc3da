package explorer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEtherscanServer(t *testing.T, responses map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "account", r.URL.Query().Get("module"))
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		body, ok := responses[r.URL.Query().Get("action")]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEtherscanService_MergesAndDedupes(t *testing.T) {
	srv := newEtherscanServer(t, map[string]string{
		"tokentx": `{"status":"1","message":"OK","result":[
			{"contractAddress":"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"},
			{"contractAddress":"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
			{"contractAddress":"0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"}
		]}`,
		"tokenlist": `{"status":"1","message":"OK","result":[
			{"contractAddress":"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"},
			{"contractAddress":"0xcccccccccccccccccccccccccccccccccccccccc"},
			{"contractAddress":""}
		]}`,
	})
	s := NewEtherscanService(srv.URL, "secret", time.Second, zerolog.Nop())

	got, err := s.TokenContracts(context.Background(), "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
		"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		"0xcccccccccccccccccccccccccccccccccccccccc",
	}, got)
}

func TestEtherscanService_OneLookupFails(t *testing.T) {
	srv := newEtherscanServer(t, map[string]string{
		"tokentx":   `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`,
		"tokenlist": `{"status":"1","message":"OK","result":[{"contractAddress":"0xcccccccccccccccccccccccccccccccccccccccc"}]}`,
	})
	s := NewEtherscanService(srv.URL, "secret", time.Second, zerolog.Nop())

	got, err := s.TokenContracts(context.Background(), "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Equal(t, []string{"0xcccccccccccccccccccccccccccccccccccccccc"}, got)
}

func TestEtherscanService_BothFail(t *testing.T) {
	srv := newEtherscanServer(t, map[string]string{
		"tokentx": `{"status":"0","message":"NOTOK","result":"Invalid API Key"}`,
	})
	s := NewEtherscanService(srv.URL, "secret", time.Second, zerolog.Nop())

	_, err := s.TokenContracts(context.Background(), "0x1111111111111111111111111111111111111111")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API Key")
}

func TestEtherscanService_NoTransactionsIsEmpty(t *testing.T) {
	srv := newEtherscanServer(t, map[string]string{
		"tokentx":   `{"status":"0","message":"No transactions found","result":[]}`,
		"tokenlist": `{"status":"1","message":"OK","result":[]}`,
	})
	s := NewEtherscanService(srv.URL, "secret", time.Second, zerolog.Nop())

	got, err := s.TokenContracts(context.Background(), "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.Empty(t, got)
}

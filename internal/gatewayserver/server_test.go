package gatewayserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kagenti/mcp-gateway/internal/aggregator"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	agg := aggregator.New(nil, slog.Default())
	t.Cleanup(agg.Close)
	return New(Config{Host: "127.0.0.1", Port: 0, Log: slog.Default()}, agg)
}

func TestStartBindsOSAssignedPort(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start(t.Context()))
	defer s.Stop(t.Context())

	require.NotZero(t, s.CurrentPort())
	require.NotEmpty(t, s.AuthToken())
}

func TestStopClearsState(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start(t.Context()))
	require.NoError(t, s.Stop(t.Context()))

	require.Zero(t, s.CurrentPort())
	require.Empty(t, s.AuthToken())
}

func TestRestartIssuesFreshToken(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start(t.Context()))
	firstToken := s.AuthToken()
	firstPort := s.CurrentPort()

	require.NoError(t, s.Restart(t.Context(), 0))
	defer s.Stop(t.Context())

	require.NotEmpty(t, s.AuthToken())
	require.NotEqual(t, firstToken, s.AuthToken())
	require.NotZero(t, s.CurrentPort())
	_ = firstPort
}

func TestStartServesStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start(t.Context()))
	defer s.Stop(t.Context())

	resp, err := http.Get(statusURL(s))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body, "totalConnections")
}

func statusURL(s *Server) string {
	return fmt.Sprintf("http://127.0.0.1:%d/status", s.CurrentPort())
}

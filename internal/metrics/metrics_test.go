package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandler_ExposesInstruments(t *testing.T) {
	GateOpens.WithLabelValues("timeout").Inc()
	before := testutil.ToFloat64(StaleFragments)
	StaleFragments.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(StaleFragments))

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `mockinterview_gate_opens_total{reason="timeout"}`)
	assert.Contains(t, string(body), "mockinterview_stale_fragments_total")
}

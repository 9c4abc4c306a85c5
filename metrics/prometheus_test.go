package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersAndGauges(t *testing.T) {
	m := New(DefaultNamespace)

	m.IncAppends("ok")
	m.IncAppends("ok")
	m.IncAppends("bad_request")
	m.SetLeaves(7)
	m.IncLoopErrors("watcher")

	require.Equal(t, 2.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.appendsTotal.WithLabelValues("bad_request")))
	require.Equal(t, 7.0, testutil.ToFloat64(m.leavesTotal))
	require.Equal(t, 1.0, testutil.ToFloat64(m.loopErrors.WithLabelValues("watcher")))
}

func TestHandlerExposition(t *testing.T) {
	m := New("test")
	m.IncOrdersSettled()
	m.SetOrdersByStatus("Pending", 3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	text := string(body)
	require.True(t, strings.Contains(text, "test_solver_orders_settled_total 1"), text)
	require.True(t, strings.Contains(text, `test_solver_orders{status="Pending"} 3`), text)
}

func TestIndependentRegistries(t *testing.T) {
	// separate instances must not collide on registration
	a := New(DefaultNamespace)
	b := New(DefaultNamespace)
	a.IncOrdersFailed()
	require.Equal(t, 0.0, testutil.ToFloat64(b.ordersFailed))
}

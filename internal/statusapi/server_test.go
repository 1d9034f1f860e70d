package statusapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rdmesh/rdmesh/internal/events"
	"github.com/rdmesh/rdmesh/internal/l2"
)

type fakeSource struct {
	dormant atomic.Bool
	status  l2.Status
}

func (m *fakeSource) Status() l2.Status {
	out := m.status
	out.Dormant = m.dormant.Load()
	return out
}

func (m *fakeSource) Dormant() bool {
	return m.dormant.Load()
}

func newFakeSource() *fakeSource {
	src := &fakeSource{
		status: l2.Status{
			Iface:      "rd0",
			RDID:       100,
			DeviceType: "FT",
			Prefix:     "2001:db8::/64",
			LocalAddr:  netip.MustParseAddr("fe80::64:0:64"),
			Children: []l2.PeerStatus{
				{RDID: 200, Role: "child", LocalAddr: netip.MustParseAddr("fe80::64:0:c8")},
			},
		},
	}
	src.dormant.Store(true)
	return src
}

func healthStatus(t *testing.T, srv *Server) healthpb.HealthCheckResponse_ServingStatus {
	resp, err := srv.Health().Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	return resp.Status
}

func TestServer_Status(t *testing.T) {
	src := newFakeSource()
	srv := NewServer(DefaultConfig(), src)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var got l2.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))

	want := src.Status()
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Fatalf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestServer_Health(t *testing.T) {
	src := newFakeSource()
	srv := NewServer(DefaultConfig(), src)

	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, healthStatus(t, srv))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.JSONEq(t, `{"status":"dormant","dormant":true}`, rec.Body.String())

	src.dormant.Store(false)
	require.NoError(t, srv.HandleEvent(&events.Event{Topic: events.TopicAssociation}))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, healthStatus(t, srv))

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.JSONEq(t, `{"status":"active","dormant":false}`, rec.Body.String())
}

func TestServer_EventStats(t *testing.T) {
	src := newFakeSource()

	srv := NewServer(DefaultConfig(), src)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/stats", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	srv = NewServer(DefaultConfig(), src, WithEventStats(func() events.Stats {
		return events.Stats{Published: 3, Processed: 2, Dropped: 1}
	}))
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats events.Stats
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&stats))
	require.Equal(t, int64(3), stats.Published)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := NewServer(DefaultConfig(), newFakeSource())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

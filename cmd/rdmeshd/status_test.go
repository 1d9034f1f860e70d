package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rdmesh/rdmesh/internal/l2"
)

func TestStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(l2.Status{Iface: "rd0", RDID: 100, Children: []l2.PeerStatus{}})
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := status(context.Background(), Cmd{Endpoint: strings.TrimPrefix(srv.URL, "http://")}, &out)
	require.NoError(t, err)
	require.Contains(t, out.String(), `"iface": "rd0"`)
	require.Contains(t, out.String(), `"rd_id": 100`)
}

func TestStatus_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := status(context.Background(), Cmd{Endpoint: strings.TrimPrefix(srv.URL, "http://")}, &bytes.Buffer{})
	require.Error(t, err)
}

package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRestGetDecodesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/nodes", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"nodes": []map[string]any{{"name": "node-a"}}})
	}))
	defer srv.Close()

	restAddr = strings.TrimPrefix(srv.URL, "http://")

	var body struct {
		Nodes []struct {
			Name string `json:"name"`
		} `json:"nodes"`
	}
	require.NoError(t, restGet("/nodes", &body))
	require.Len(t, body.Nodes, 1)
	require.Equal(t, "node-a", body.Nodes[0].Name)
}

func TestRestGetPropagatesNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	restAddr = strings.TrimPrefix(srv.URL, "http://")

	var body map[string]any
	err := restGet("/pools", &body)
	require.Error(t, err)
}

func TestRestGetReturnsErrorWhenUnreachable(t *testing.T) {
	restAddr = "127.0.0.1:1"

	var body map[string]any
	err := restGet("/pools", &body)
	require.Error(t, err)
}

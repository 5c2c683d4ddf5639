package ipfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gateway(t *testing.T, routes map[string]func(w http.ResponseWriter)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		if h, ok := routes[r.URL.Path]; ok {
			h(w)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", time.Second)
}

func TestResolveProofURL(t *testing.T) {
	c := gateway(t, map[string]func(http.ResponseWriter){
		"/ipfs/QmMeta": func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"fileUrl":"https://gateway.pinata.cloud/ipfs/QmFile","name":"run.png"}`))
		},
		"/ipfs/QmImage": func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
		},
		"/ipfs/QmNoFile": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"description":"no file here"}`))
		},
		"/ipfs/QmBadURL": func(w http.ResponseWriter) {
			_, _ = w.Write([]byte(`{"fileUrl":"javascript:alert(1)"}`))
		},
	})
	ctx := context.Background()

	tests := []struct {
		name    string
		cid     string
		want    string
		wantErr bool
	}{
		{"metadata with fileUrl", "QmMeta", "https://gateway.pinata.cloud/ipfs/QmFile", false},
		{"raw file", "QmImage", c.GatewayURL("QmImage"), false},
		{"metadata without fileUrl", "QmNoFile", c.GatewayURL("QmNoFile"), false},
		{"unsafe fileUrl", "QmBadURL", c.GatewayURL("QmBadURL"), true},
		{"gateway 404", "QmMissing", c.GatewayURL("QmMissing"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.ResolveProofURL(ctx, tt.cid)
			assert.Equal(t, tt.want, got)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGatewayURL(t *testing.T) {
	assert.Equal(t, "https://gateway.pinata.cloud/ipfs/QmAbc", NewClient("", 0).GatewayURL(" QmAbc "))
	assert.Equal(t, "http://localhost:8080/ipfs/bafy", NewClient("http://localhost:8080/", 0).GatewayURL("bafy"))
}

func TestCatRequiresCID(t *testing.T) {
	_, err := NewClient("", 0).Cat(context.Background(), "  ", 10)
	assert.Error(t, err)
}

func TestCatHonoursLimit(t *testing.T) {
	c := gateway(t, map[string]func(http.ResponseWriter){
		"/ipfs/QmBig": func(w http.ResponseWriter) { _, _ = w.Write(make([]byte, 4096)) },
	})
	body, err := c.Cat(context.Background(), "QmBig", 100)
	require.NoError(t, err)
	assert.Len(t, body, 100)
}

package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/engine/enginetest"
	"github.com/Honorable-Knights-of-the-Roundtable/relaygate/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRoom(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New()
	codecs := []engine.RTPCodecCapability{{Kind: engine.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2}}

	ingest, err := eng.CreateRouter(ctx, engine.RouterOptions{Plane: engine.PlaneIngest, MediaCodecs: codecs})
	require.NoError(t, err)
	egress, err := eng.CreateRouter(ctx, engine.RouterOptions{Plane: engine.PlaneEgress, MediaCodecs: codecs})
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Put(registry.KindRouter, ingest.ID(), ingest))
	require.NoError(t, reg.Put(registry.KindRouter, egress.ID(), egress))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", handleRoot)
	mux.HandleFunc("GET /rooms/{roomId}", handleRoom(reg))

	for _, tc := range []struct {
		name string
		path string
		code int
	}{
		{"root", "/", http.StatusOK},
		{"ingest router is a room", "/rooms/" + ingest.ID(), http.StatusNoContent},
		{"egress router is not a room", "/rooms/" + egress.ID(), http.StatusNotFound},
		{"unknown room", "/rooms/nowhere", http.StatusNotFound},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tc.path, nil))
			assert.Equal(t, tc.code, rec.Code)
		})
	}
}

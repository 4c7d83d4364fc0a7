package router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/habitloop/internal/config"
	"github.com/habitloop/internal/cryptobox"
	"github.com/habitloop/internal/handler"
	"github.com/habitloop/internal/storage"
)

func setupTestRouter(t *testing.T) *gin.Engine {
	t.Helper()

	store, err := storage.Open("", true)
	if err != nil {
		t.Fatalf("failed to open test store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.AppConfig{
		GinMode:         gin.TestMode,
		RateRPS:         100,
		RateBurst:       100,
		MaxShards:       256,
		MaxShardBytes:   256 * 1024,
		MaxPayloadBytes: 2 * 1024 * 1024,
	}
	return SetupRouter(handler.NewAPI(store, cfg), cfg)
}

func TestPingRoute(t *testing.T) {
	r := setupTestRouter(t)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestSyncRoutesRequireAuth(t *testing.T) {
	r := setupTestRouter(t)

	for _, route := range []struct {
		method, path string
	}{
		{http.MethodGet, "/api/sync"},
		{http.MethodPut, "/api/sync"},
		{http.MethodGet, "/api/sync/shards"},
		{http.MethodPut, "/api/sync/shards"},
	} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(route.method, route.path, nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("%s %s status = %d, want 401", route.method, route.path, w.Code)
		}
	}
}

func TestSyncRoundTripThroughRouter(t *testing.T) {
	r := setupTestRouter(t)
	hash := cryptobox.HashCredential("router-test")

	payload, err := json.Marshal(map[string]interface{}{"timestamp": 1, "ciphertext": "cipher"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	put := httptest.NewRequest(http.MethodPut, "/api/sync", bytes.NewReader(payload))
	put.Header.Set("Content-Type", "application/json")
	put.Header.Set("X-Auth-Hash", hash)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, put)
	if w.Code != http.StatusOK {
		t.Fatalf("put status = %d, body %s", w.Code, w.Body.String())
	}

	get := httptest.NewRequest(http.MethodGet, "/api/sync", nil)
	get.Header.Set("X-Auth-Hash", hash)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, get)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["ciphertext"] != "cipher" {
		t.Fatalf("unexpected body: %v", body)
	}
}

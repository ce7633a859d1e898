package routes

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"soundchain/native/registry"
	"soundchain/native/router"
	"soundchain/storage"
)

func testAddr(b byte) [20]byte {
	var out [20]byte
	out[19] = b
	return out
}

func newTestServer(t *testing.T) (http.Handler, *router.Engine, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry()
	store := router.NewMessageStore(storage.NewMemDB())
	engine := router.NewEngine(1, reg, store)
	authority := testAddr(0xAD)
	engine.SetAuthority(authority)
	handler := New(Config{
		Engine:    engine,
		Registry:  reg,
		Authority: authority,
	})
	return handler, engine, reg
}

func TestHealthz(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestRegisterAndListChains(t *testing.T) {
	handler, _, _ := newTestServer(t)
	body := `{"chainId":2,"name":"solana","connector":"0x0000000000000000000000000000000000000002","gasAsset":"SOL","gasLimit":200000,"enabled":true}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/chains", strings.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/chains", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var chains []chainPayload
	if err := json.NewDecoder(rec.Body).Decode(&chains); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(chains) != 1 || chains[0].ChainID != 2 || !chains[0].Enabled {
		t.Fatalf("unexpected chain list: %+v", chains)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/chains/2/enabled", strings.NewReader(`{"enabled":false}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/chains/9/enabled", strings.NewReader(`{"enabled":true}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown chain, got %d", rec.Code)
	}
}

func TestPauseAndResume(t *testing.T) {
	handler, engine, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/pause", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if !engine.Paused() {
		t.Fatal("expected engine paused")
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/resume", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if engine.Paused() {
		t.Fatal("expected engine resumed")
	}
}

func TestSetFees(t *testing.T) {
	handler, engine, _ := newTestServer(t)
	body := `{"platformFeeBps":250,"collector":"0x00000000000000000000000000000000000000fc"}`
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/fees", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	if got := engine.FeeConfig().PlatformFeeBps; got != 250 {
		t.Fatalf("expected fee 250 bps, got %d", got)
	}
	// Above the cap.
	body = `{"platformFeeBps":1500,"collector":"0x00000000000000000000000000000000000000fc"}`
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/fees", strings.NewReader(body)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetMessageValidation(t *testing.T) {
	handler, _, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/zz", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	missing := strings.Repeat("00", 32)
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/messages/"+missing, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown id, got %d", rec.Code)
	}
}

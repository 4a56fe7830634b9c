package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func newWebSocketMux() *http.ServeMux {
	cm := NewConnectionManager(DefaultConnectionConfig())
	mux := http.NewServeMux()
	NewWebSocketHandler(cm).RegisterRoutes(mux)
	return mux
}

func TestRoomSocketRouteTakesPathParameter(t *testing.T) {
	mux := newWebSocketMux()

	// A well-formed room id reaches the handler; without a websocket
	// handshake the upgrade is refused, which is enough to show the
	// route matched.
	req := httptest.NewRequest(http.MethodGet, "/ws/rooms/"+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code == http.StatusNotFound {
		t.Fatalf("expected /ws/rooms/{id} to match, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/ws/rooms/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed room id, got %d", rec.Code)
	}
}

func TestRoomSocketRouteRejectsQueryForm(t *testing.T) {
	mux := newWebSocketMux()

	req := httptest.NewRequest(http.MethodGet, "/ws/rooms?room_id="+uuid.NewString(), nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected the bare query form to miss the route, got %d", rec.Code)
	}
}

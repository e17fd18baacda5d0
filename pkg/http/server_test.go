package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sipkit-server/pkg/codec"
	"sipkit-server/pkg/engine"
	"sipkit-server/pkg/engine/enginetest"
	"sipkit-server/pkg/events"
	"sipkit-server/pkg/registration"
	"sipkit-server/pkg/service"
	"sipkit-server/pkg/session"
)

type apiFixture struct {
	server     *httptest.Server
	engine     *enginetest.FakeEngine
	dispatcher *events.Dispatcher
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	eng := enginetest.New()
	registry := session.NewRegistry(logger)
	controller := registration.NewController(logger, eng)
	dispatcher := events.NewDispatcher(logger, registry, controller)
	eng.SetCallbackHandler(dispatcher)

	svc := service.NewService(logger, eng, registry, dispatcher, controller,
		codec.NewAudioCatalog(logger, eng), codec.NewVideoCatalog(logger, eng))

	require.NoError(t, controller.Initialize(registration.Config{
		Transport:   engine.TransportUDP,
		AgentString: "sipkit",
	}))

	srv := NewServer(logger, DefaultConfig(), svc, controller, nil)
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)

	return &apiFixture{server: ts, engine: eng, dispatcher: dispatcher}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusReportsRegistration(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.server.URL + "/status")
	require.NoError(t, err)
	body := decodeBody(t, resp)

	assert.Equal(t, "disconnected", body["registration"])
	assert.Equal(t, false, body["registered"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestMakeCallAndListSessions(t *testing.T) {
	f := newAPIFixture(t)

	resp := postJSON(t, f.server.URL+"/api/calls", makeCallRequest{Number: "1002"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, float64(1), body["id"])
	assert.Equal(t, "outgoing", body["direction"])
	assert.Equal(t, "ringing", body["status"])

	listResp, err := http.Get(f.server.URL + "/api/sessions")
	require.NoError(t, err)
	listBody := decodeBody(t, listResp)
	sessions, ok := listBody["sessions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, sessions, 1)
}

func TestAnswerAndHangupLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.dispatcher.OnInviteIncoming(42, engine.InviteInfo{CallerNumber: "1001"})

	resp := postJSON(t, f.server.URL+"/api/sessions/42/answer", map[string]bool{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Contains(t, f.engine.Commands(), "answerCall(42,false)")

	f.dispatcher.OnInviteConnected(42)

	resp = postJSON(t, f.server.URL+"/api/sessions/42/hangup", map[string]bool{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	getResp, err := http.Get(f.server.URL + "/api/sessions/42")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, getResp.StatusCode)
	getResp.Body.Close()
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t)

	// Unknown session id maps to 404.
	resp := postJSON(t, f.server.URL+"/api/sessions/999/hangup", map[string]bool{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Hold while ringing maps to 409.
	f.dispatcher.OnInviteIncoming(7, engine.InviteInfo{})
	resp = postJSON(t, f.server.URL+"/api/sessions/7/hold", map[string]bool{"on_hold": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Engine rejection maps to 502 and surfaces the engine code.
	f.engine.FailWith("call", -3)
	resp = postJSON(t, f.server.URL+"/api/calls", makeCallRequest{Number: "1002"})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, float64(-3), body["engine_code"])

	// Garbage session id maps to 400.
	resp = postJSON(t, f.server.URL+"/api/sessions/abc/hangup", map[string]bool{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestRejectDefaultsToBusyHere(t *testing.T) {
	f := newAPIFixture(t)
	f.dispatcher.OnInviteIncoming(11, engine.InviteInfo{})

	resp := postJSON(t, f.server.URL+"/api/sessions/11/reject", map[string]int{})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	assert.Contains(t, f.engine.Commands(), "rejectCall(11,486)")
}

// ABOUTME: Tests for the HTTP API: registration, credentials, messaging and mesh routes
// ABOUTME: Drives a real gateway through httptest and a gorilla websocket client

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mesh-gateway/internal/agent"
	"github.com/2389/mesh-gateway/internal/auth"
	"github.com/2389/mesh-gateway/internal/config"
	"github.com/2389/mesh-gateway/internal/keys"
	"github.com/2389/mesh-gateway/internal/mesh"
	"github.com/2389/mesh-gateway/internal/protocol"
)

func TestRegister(t *testing.T) {
	tg := newTestGateway(t)

	reg := tg.register(t, "Alice", "")
	assert.Equal(t, "alice@alpha.test", reg.Address)
	assert.Equal(t, keys.DefaultTenant, reg.TenantID)
	assert.True(t, strings.HasPrefix(reg.APIKey, keys.LivePrefix))
	assert.True(t, keys.ValidateAPIKeyFormat(reg.APIKey))
	assert.True(t, strings.HasPrefix(reg.Fingerprint, "SHA256:"))
	assert.NotEmpty(t, reg.PublicKey)

	t.Run("duplicate name", func(t *testing.T) {
		var body map[string]string
		status := tg.do(t, http.MethodPost, "/api/agents/register", "", RegisterAgentRequest{Name: "alice"}, &body)
		assert.Equal(t, http.StatusConflict, status)
		assert.NotEmpty(t, body["error"])
	})

	t.Run("invalid name", func(t *testing.T) {
		status := tg.do(t, http.MethodPost, "/api/agents/register", "", RegisterAgentRequest{Name: "not valid!"}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("missing name", func(t *testing.T) {
		status := tg.do(t, http.MethodPost, "/api/agents/register", "", RegisterAgentRequest{}, nil)
		assert.Equal(t, http.StatusBadRequest, status)
	})

	t.Run("test key", func(t *testing.T) {
		var reg RegisterAgentResponse
		status := tg.do(t, http.MethodPost, "/api/agents/register", "", RegisterAgentRequest{Name: "tester", IsTest: true}, &reg)
		require.Equal(t, http.StatusCreated, status)
		assert.True(t, keys.IsTestKey(reg.APIKey))
	})
}

func TestAPIKeyRequired(t *testing.T) {
	tg := newTestGateway(t)

	tests := []struct {
		name   string
		bearer string
	}{
		{"missing", ""},
		{"malformed", "not-a-key"},
		{"unknown", "mesh_live_" + strings.Repeat("a", 64)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			status := tg.do(t, http.MethodGet, "/api/agents", tt.bearer, nil, &body)
			assert.Equal(t, http.StatusUnauthorized, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestListAgents_TenantScopedAndSearchable(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "acme")
	tg.register(t, "bob", "acme")
	tg.register(t, "carol", "other")

	var resp struct {
		Agents []AgentView `json:"agents"`
	}
	status := tg.do(t, http.MethodGet, "/api/agents", alice.APIKey, nil, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Agents, 2)
	assert.Equal(t, "alice@alpha.test", resp.Agents[0].Address)
	assert.Equal(t, "bob@alpha.test", resp.Agents[1].Address)
	assert.False(t, resp.Agents[1].Online)

	status = tg.do(t, http.MethodGet, "/api/agents?q=bo", alice.APIKey, nil, &resp)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, resp.Agents, 1)
	assert.Equal(t, "bob", resp.Agents[0].Name)

	status = tg.do(t, http.MethodGet, "/api/agents?limit=zero", alice.APIKey, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestResolve(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "")
	bob := tg.register(t, "bob", "")

	var view PublicKeyView
	status := tg.do(t, http.MethodGet, "/api/agents/resolve/bob@alpha.test", alice.APIKey, nil, &view)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, bob.PublicKey, view.PublicKey)
	assert.Equal(t, bob.Fingerprint, view.Fingerprint)
	assert.Equal(t, keys.AlgorithmEd25519, view.Algorithm)
	assert.False(t, view.Online)

	status = tg.do(t, http.MethodGet, "/api/agents/resolve/nobody@alpha.test", alice.APIKey, nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status = tg.do(t, http.MethodGet, "/api/agents/resolve/not-an-address", alice.APIKey, nil, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestRotateKeyPair(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "")

	var rotated PublicKeyView
	status := tg.do(t, http.MethodPost, "/api/agents/keypair/rotate", alice.APIKey, nil, &rotated)
	require.Equal(t, http.StatusOK, status)
	assert.NotEqual(t, alice.PublicKey, rotated.PublicKey)
	assert.NotEqual(t, alice.Fingerprint, rotated.Fingerprint)

	var resolved PublicKeyView
	tg.do(t, http.MethodGet, "/api/agents/resolve/alice@alpha.test", alice.APIKey, nil, &resolved)
	assert.Equal(t, rotated.PublicKey, resolved.PublicKey)
}

func TestRotateAndRevokeAPIKey(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "")

	var rotated map[string]string
	status := tg.do(t, http.MethodPost, "/api/keys/rotate", alice.APIKey, nil, &rotated)
	require.Equal(t, http.StatusOK, status)
	newKey := rotated["api_key"]
	require.True(t, keys.ValidateAPIKeyFormat(newKey))

	assert.Equal(t, http.StatusUnauthorized, tg.do(t, http.MethodGet, "/api/agents", alice.APIKey, nil, nil))
	assert.Equal(t, http.StatusOK, tg.do(t, http.MethodGet, "/api/agents", newKey, nil, nil))

	var revoked map[string]bool
	status = tg.do(t, http.MethodPost, "/api/keys/revoke", newKey, nil, &revoked)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, revoked["revoked"])

	assert.Equal(t, http.StatusUnauthorized, tg.do(t, http.MethodGet, "/api/agents", newKey, nil, nil))
}

func sendText(to, body string) SendMessageRequest {
	return SendMessageRequest{
		To:      to,
		Subject: "greeting",
		Payload: json.RawMessage(`{"type":"text","body":"` + body + `"}`),
	}
}

// verifyEnvelope checks the server signature against the sender's published key.
func verifyEnvelope(t *testing.T, env *protocol.Envelope, payload protocol.Payload, senderKey string) {
	t.Helper()
	pub, err := keys.DecodePublicKey(senderKey)
	require.NoError(t, err)
	sig, err := keys.DecodeSignature(env.Signature)
	require.NoError(t, err)
	data, err := protocol.SigningBytes(env, payload)
	require.NoError(t, err)
	assert.True(t, keys.Verify(pub, data, sig), "envelope signature should verify")
}

func TestSendMessage_QueuedThenPendingAndAck(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "")
	bob := tg.register(t, "bob", "")

	var sent SendMessageResponse
	status := tg.do(t, http.MethodPost, "/api/messages", alice.APIKey, sendText("bob@alpha.test", "one"), &sent)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, StatusQueued, sent.Status)
	require.NotEmpty(t, sent.ID)

	tg.do(t, http.MethodPost, "/api/messages", alice.APIKey, sendText("bob@alpha.test", "two"), nil)

	var page PendingResponse
	status = tg.do(t, http.MethodGet, "/api/messages/pending?limit=1", bob.APIKey, nil, &page)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 1, page.Remaining)

	msg := page.Messages[0]
	assert.Equal(t, sent.ID, msg.ID)
	assert.Equal(t, protocol.Address("alice@alpha.test"), msg.Envelope.From)
	assert.Equal(t, protocol.Address("bob@alpha.test"), msg.Envelope.To)
	assert.Equal(t, protocol.PriorityNormal, msg.Envelope.Priority)
	assert.Equal(t, "text", msg.Payload.Type())
	assert.Equal(t, alice.PublicKey, msg.SenderPublicKey)
	verifyEnvelope(t, msg.Envelope, msg.Payload, msg.SenderPublicKey)

	var ack map[string]bool
	status = tg.do(t, http.MethodPost, "/api/messages/"+sent.ID+"/ack", bob.APIKey, nil, &ack)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, ack["acknowledged"])

	// acknowledging twice is a no-op
	status = tg.do(t, http.MethodPost, "/api/messages/"+sent.ID+"/ack", bob.APIKey, nil, &ack)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, ack["acknowledged"])

	tg.do(t, http.MethodGet, "/api/messages/pending", bob.APIKey, nil, &page)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, 0, page.Remaining)
	assert.NotEqual(t, sent.ID, page.Messages[0].ID)
}

func TestSendMessage_AckIsScopedToCaller(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "")
	bob := tg.register(t, "bob", "")

	var sent SendMessageResponse
	tg.do(t, http.MethodPost, "/api/messages", alice.APIKey, sendText("bob@alpha.test", "hi"), &sent)

	var ack map[string]bool
	tg.do(t, http.MethodPost, "/api/messages/"+sent.ID+"/ack", alice.APIKey, nil, &ack)
	assert.False(t, ack["acknowledged"], "the sender cannot ack the recipient's queue")

	var page PendingResponse
	tg.do(t, http.MethodGet, "/api/messages/pending", bob.APIKey, nil, &page)
	assert.Len(t, page.Messages, 1)
}

func TestSendMessage_Validation(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "")
	tg.register(t, "bob", "")

	tests := []struct {
		name string
		req  SendMessageRequest
		want int
	}{
		{"unknown recipient", sendText("nobody@alpha.test", "x"), http.StatusNotFound},
		{"remote recipient", sendText("bob@beta.test", "x"), http.StatusNotFound},
		{"bad address", sendText("bob", "x"), http.StatusBadRequest},
		{
			name: "bad priority",
			req: SendMessageRequest{
				To:       "bob@alpha.test",
				Priority: "whenever",
				Payload:  json.RawMessage(`{"type":"text"}`),
			},
			want: http.StatusBadRequest,
		},
		{
			name: "payload without type",
			req:  SendMessageRequest{To: "bob@alpha.test", Payload: json.RawMessage(`{"body":"x"}`)},
			want: http.StatusBadRequest,
		},
		{
			name: "missing payload",
			req:  SendMessageRequest{To: "bob@alpha.test"},
			want: http.StatusBadRequest,
		},
		{
			name: "subject too long",
			req: SendMessageRequest{
				To:      "bob@alpha.test",
				Subject: strings.Repeat("s", maxSubjectLen+1),
				Payload: json.RawMessage(`{"type":"text"}`),
			},
			want: http.StatusBadRequest,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body map[string]string
			status := tg.do(t, http.MethodPost, "/api/messages", alice.APIKey, tt.req, &body)
			assert.Equal(t, tt.want, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSendMessage_ReachesConnectedAgent(t *testing.T) {
	tg := newTestGateway(t)
	alice := tg.register(t, "alice", "")
	bob := tg.register(t, "bob", "")

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(tg.srv), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "auth", "token": bob.APIKey}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))

	var connected agent.ConnectedFrame
	require.NoError(t, ws.ReadJSON(&connected))
	assert.Equal(t, agent.FrameConnected, connected.Type)
	assert.Equal(t, protocol.Address("bob@alpha.test"), connected.Address)

	require.Eventually(t, func() bool {
		return tg.gw.agents.IsConnected("bob@alpha.test")
	}, 2*time.Second, 10*time.Millisecond)

	var sent SendMessageResponse
	status := tg.do(t, http.MethodPost, "/api/messages", alice.APIKey, sendText("bob@alpha.test", "live"), &sent)
	require.Equal(t, http.StatusAccepted, status)
	// a socket still draining makes the sender enqueue; the nudge delivers it either way
	assert.Contains(t, []string{StatusDelivered, StatusQueued}, sent.Status)

	var frame agent.MessageFrame
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, agent.FrameMessage, frame.Type)
	assert.Equal(t, sent.ID, frame.Envelope.ID)
	verifyEnvelope(t, frame.Envelope, frame.Payload, frame.SenderPublicKey)

	var list struct {
		Agents []AgentView `json:"agents"`
	}
	tg.do(t, http.MethodGet, "/api/agents?q=bob", alice.APIKey, nil, &list)
	require.Len(t, list.Agents, 1)
	assert.True(t, list.Agents[0].Online)
	assert.NotNil(t, list.Agents[0].LastSeenAt)
}

func TestMeshHosts_OpenWithoutSecret(t *testing.T) {
	tg := newTestGateway(t)

	var hosts mesh.HostsResponse
	status := tg.do(t, http.MethodGet, "/api/mesh/hosts", "", nil, &hosts)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, tg.gw.registry.SelfID(), hosts.Self.ID)
	assert.Equal(t, "http://alpha.test", hosts.Self.URL)
	require.Len(t, hosts.Hosts, 1)

	var added mesh.HostView
	status = tg.do(t, http.MethodPost, "/api/mesh/hosts", "", mesh.AddRequest{ID: "beta", Name: "beta", URL: "https://beta.test/"}, &added)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "beta", added.ID)
	assert.Equal(t, "https://beta.test", added.URL)
	assert.Equal(t, mesh.SourceManual, added.SyncSource)

	status = tg.do(t, http.MethodPost, "/api/mesh/hosts", "", mesh.AddRequest{ID: "beta2", URL: "https://beta.test"}, nil)
	assert.Equal(t, http.StatusConflict, status, "same url as an existing remote")

	status = tg.do(t, http.MethodPost, "/api/mesh/hosts", "", mesh.AddRequest{ID: "bad", URL: "ftp://x.test"}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	tg.do(t, http.MethodGet, "/api/mesh/hosts", "", nil, &hosts)
	assert.Len(t, hosts.Hosts, 2)

	assert.Equal(t, http.StatusNoContent, tg.do(t, http.MethodDelete, "/api/mesh/hosts/beta", "", nil, nil))
	assert.Equal(t, http.StatusNotFound, tg.do(t, http.MethodDelete, "/api/mesh/hosts/beta", "", nil, nil))
	assert.Equal(t, http.StatusBadRequest, tg.do(t, http.MethodDelete, "/api/mesh/hosts/"+hosts.Self.ID, "", nil, nil))
}

func TestMeshRoutes_RequireTokenWithSecret(t *testing.T) {
	const secret = "mesh-shared-secret-for-tests"
	tg := newTestGateway(t, func(c *config.Config) { c.Mesh.SharedSecret = secret })

	assert.Equal(t, http.StatusUnauthorized, tg.do(t, http.MethodGet, "/api/mesh/hosts", "", nil, nil))

	wrong, err := auth.NewMeshTokens([]byte("some-other-secret"), 0).Issue("beta")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, tg.do(t, http.MethodGet, "/api/mesh/hosts", wrong, nil, nil))

	token, err := auth.NewMeshTokens([]byte(secret), 0).Issue("beta")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, tg.do(t, http.MethodGet, "/api/mesh/hosts", token, nil, nil))

	// the token subject must match the exchange sender
	req := mesh.ExchangeRequest{FromHost: mesh.HostInfo{ID: "gamma", URL: "https://gamma.test"}}
	var resp mesh.ExchangeResponse
	status := tg.do(t, http.MethodPost, "/api/mesh/exchange", token, req, &resp)
	assert.Equal(t, http.StatusForbidden, status)
	assert.False(t, resp.Success)
}

func TestExchange(t *testing.T) {
	tg := newTestGateway(t)

	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer peer.Close()

	req := mesh.ExchangeRequest{
		FromHost: mesh.HostInfo{ID: "beta", URL: "https://beta.test"},
		KnownHosts: []mesh.HostInfo{
			{ID: "gamma", Name: "gamma", URL: peer.URL},
			{ID: tg.gw.registry.SelfID(), URL: "http://alpha.test"},
		},
		PropagationID: "prop-1",
	}

	var resp mesh.ExchangeResponse
	status := tg.do(t, http.MethodPost, "/api/mesh/exchange", "", req, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Equal(t, []string{"gamma"}, resp.NewlyAdded)
	assert.Equal(t, []string{tg.gw.registry.SelfID()}, resp.AlreadyKnown)
	assert.Empty(t, resp.Unreachable)

	var hosts mesh.HostsResponse
	tg.do(t, http.MethodGet, "/api/mesh/hosts", "", nil, &hosts)
	var gamma *mesh.HostView
	for i := range hosts.Hosts {
		if hosts.Hosts[i].ID == "gamma" {
			gamma = &hosts.Hosts[i]
		}
	}
	require.NotNil(t, gamma)
	assert.Equal(t, "peer-exchange:beta", gamma.SyncSource)

	// replaying the propagation id is a no-op
	status = tg.do(t, http.MethodPost, "/api/mesh/exchange", "", req, &resp)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, resp.Success)
	assert.Empty(t, resp.NewlyAdded)
	assert.Empty(t, resp.AlreadyKnown)

	// a fresh id now sees gamma as known
	req.PropagationID = "prop-2"
	tg.do(t, http.MethodPost, "/api/mesh/exchange", "", req, &resp)
	assert.Empty(t, resp.NewlyAdded)
	assert.Contains(t, resp.AlreadyKnown, "gamma")

	t.Run("invalid request", func(t *testing.T) {
		var bad mesh.ExchangeResponse
		status := tg.do(t, http.MethodPost, "/api/mesh/exchange", "", mesh.ExchangeRequest{}, &bad)
		assert.Equal(t, http.StatusBadRequest, status)
		assert.False(t, bad.Success)
		assert.NotEmpty(t, bad.Error)
	})
}

func TestSync_NoPeers(t *testing.T) {
	tg := newTestGateway(t)

	var report mesh.SyncReport
	status := tg.do(t, http.MethodPost, "/api/mesh/sync", "", nil, &report)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, report.Peers)
	assert.Empty(t, report.Errors)
}

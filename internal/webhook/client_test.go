package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope() Envelope {
	return Envelope{
		Type:                 TypeChallenge,
		ChallengeID:          "chal_1748000000_deadbeef",
		Prompt:               "What is 2+2?",
		ChallengeType:        "arithmetic",
		Nonce:                "a1b2c3d4e5f60718",
		RespondWithinSeconds: 8,
	}
}

func TestClient_DeliverSuccess(t *testing.T) {
	var got Envelope
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		json.NewEncoder(w).Encode(Reply{Response: "4", Nonce: got.Nonce})
	}))
	defer srv.Close()

	client, err := NewClient(8 * time.Second)
	require.NoError(t, err)

	reply, err := client.Deliver(context.Background(), srv.URL, testEnvelope())
	require.NoError(t, err)
	assert.Equal(t, "4", reply.Response)
	assert.Equal(t, "a1b2c3d4e5f60718", got.Nonce)
	assert.Equal(t, 8, got.RespondWithinSeconds)
}

func TestClient_DeliverNonceMismatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Reply{Response: "4", Nonce: "ffffffffffffffff"})
	}))
	defer srv.Close()

	client, err := NewClient(8 * time.Second)
	require.NoError(t, err)

	_, err = client.Deliver(context.Background(), srv.URL, testEnvelope())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce mismatch")
}

func TestClient_DeliverStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service warming up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client, err := NewClient(8 * time.Second)
	require.NoError(t, err)

	_, err = client.Deliver(context.Background(), srv.URL, testEnvelope())
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 503, statusErr.HTTPStatus())
}

func TestClient_DeliverTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewClient(50 * time.Millisecond)
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Deliver(context.Background(), srv.URL, testEnvelope())
	require.Error(t, err)
	assert.Less(t, time.Since(start), 250*time.Millisecond, "request must be cut off at the response window")
}

func TestClient_DeliverInvalidEnvelope(t *testing.T) {
	client, err := NewClient(time.Second)
	require.NoError(t, err)

	env := testEnvelope()
	env.Nonce = ""
	_, err = client.Deliver(context.Background(), "http://localhost:1", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonce")
}

func TestValidateWebhookURL(t *testing.T) {
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://agent.example.com/hook", false},
		{"http://localhost:8080/webhook", false},
		{"ftp://agent.example.com/hook", true},
		{"not a url", true},
		{"https://", true},
	}
	for _, tt := range tests {
		err := ValidateWebhookURL(tt.url)
		if tt.wantErr {
			assert.Error(t, err, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}

func TestHostKey(t *testing.T) {
	assert.Equal(t, "agent.example.com", HostKey("https://agent.example.com/hook"))
	assert.Equal(t, "localhost:8080", HostKey("http://localhost:8080/x"))
}

func TestEnvelope_Validate(t *testing.T) {
	env := testEnvelope()
	require.NoError(t, env.Validate())

	bad := env
	bad.Type = "ping"
	assert.Error(t, bad.Validate())

	bad = env
	bad.RespondWithinSeconds = 0
	assert.Error(t, bad.Validate())
}

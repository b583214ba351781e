package a2a

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/270aldo/ngx-orchestrator/internal/envelope"
	"github.com/270aldo/ngx-orchestrator/internal/errs"
	"github.com/270aldo/ngx-orchestrator/internal/jsonx"
)

func newTestHTTPAgent(t *testing.T, handler http.HandlerFunc) *HTTPAgent {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPAgent(HTTPAgentConfig{
		AgentID:      "blaze",
		Endpoint:     srv.URL,
		Capabilities: []string{"training"},
	}, zaptest.NewLogger(t))
}

func TestHTTPAgentSend(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/generate", r.URL.Path)

		var gr generateRequest
		require.NoError(t, jsonx.Decode(r.Body, &gr))
		assert.Equal(t, "u1", gr.UserID)
		assert.False(t, gr.Stream)

		data, _ := jsonx.Marshal(generateResponse{Text: "push day", Confidence: 0.9})
		w.Write(data)
	})

	resp, err := agent.Send(context.Background(), &envelope.Request{UserID: "u1", Text: "what's today"})
	require.NoError(t, err)
	assert.Equal(t, "blaze", resp.AgentID)
	assert.Equal(t, "push day", resp.Text)
	assert.Equal(t, 0.9, resp.Confidence)
}

func TestHTTPAgentSendErrorStatus(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	})

	_, err := agent.Send(context.Background(), &envelope.Request{Text: "hi"})
	var ae *errs.AgentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "http_503", ae.Code)
}

func TestHTTPAgentStream(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, r *http.Request) {
		var gr generateRequest
		require.NoError(t, jsonx.Decode(r.Body, &gr))
		assert.True(t, gr.Stream)

		enc := jsonx.NewEncoder(w)
		enc.Encode(streamLine{Delta: "Squats, "})
		enc.Encode(streamLine{Delta: "then lunges."})
		enc.Encode(streamLine{Final: true})
	})

	chunks, err := agent.Stream(context.Background(), &envelope.Request{Text: "leg day?", Stream: true})
	require.NoError(t, err)

	var got string
	seq := -1
	var final bool
	for c := range chunks {
		require.NoError(t, c.Err)
		assert.Greater(t, c.Sequence, seq, "sequences must be strictly increasing")
		seq = c.Sequence
		got += c.Delta
		final = c.Final
	}
	assert.Equal(t, "Squats, then lunges.", got)
	assert.True(t, final)
}

func TestHTTPAgentStreamAgentAbort(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		enc := jsonx.NewEncoder(w)
		enc.Encode(streamLine{Delta: "starting"})
		enc.Encode(streamLine{Error: "model_overloaded"})
	})

	chunks, err := agent.Stream(context.Background(), &envelope.Request{Stream: true})
	require.NoError(t, err)

	var last envelope.Chunk
	for c := range chunks {
		last = c
	}
	require.Error(t, last.Err)
	var ae *errs.AgentError
	require.ErrorAs(t, last.Err, &ae)
	assert.Equal(t, "model_overloaded", ae.Code)
}

func TestHTTPAgentStreamMalformedLine(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "{not json")
	})

	chunks, err := agent.Stream(context.Background(), &envelope.Request{Stream: true})
	require.NoError(t, err)

	var last envelope.Chunk
	for c := range chunks {
		last = c
	}
	require.Error(t, last.Err)
	assert.Equal(t, errs.KindProtocolError, errs.KindOf(last.Err))
}

func TestHTTPAgentStreamWithoutTerminalLine(t *testing.T) {
	agent := newTestHTTPAgent(t, func(w http.ResponseWriter, _ *http.Request) {
		enc := jsonx.NewEncoder(w)
		enc.Encode(streamLine{Delta: "partial"})
		// Body ends without a final line.
	})

	chunks, err := agent.Stream(context.Background(), &envelope.Request{Stream: true})
	require.NoError(t, err)

	var last envelope.Chunk
	for c := range chunks {
		last = c
	}
	assert.NoError(t, last.Err)
	assert.True(t, last.Final, "adapter must synthesize the terminal chunk")
}

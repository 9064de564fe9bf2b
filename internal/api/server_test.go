// SPDX-License-Identifier: MIT
package api

import (
	"bufio"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/draftwire/draftwire/internal/admission"
	"github.com/draftwire/draftwire/internal/buffer"
	"github.com/draftwire/draftwire/internal/event"
	"github.com/draftwire/draftwire/internal/health"
	"github.com/draftwire/draftwire/internal/pipeline"
	"github.com/draftwire/draftwire/internal/resumetoken"
)

const testSecret = "test-secret"

type testServer struct {
	*httptest.Server
	mr    *miniredis.Miniredis
	codec *resumetoken.Codec
}

// newTestServer spins up the full router against a miniredis durable
// store. opts mutate the config before the server is built.
func newTestServer(t *testing.T, opts ...func(*Config)) *testServer {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	logger := zerolog.Nop()
	codec, err := resumetoken.New(testSecret, "")
	require.NoError(t, err)

	cfg := Config{
		Controller: admission.NewController(admission.ControllerConfig{
			Buckets: admission.BucketLimits{StandardRPM: 600, StreamingRPM: 600},
		}, nil, logger),
		Detector: buffer.NewDetector(client, 100*time.Millisecond, 10*time.Millisecond, logger),
		Durable:  buffer.NewRedisStore(client, buffer.Options{}, logger),
		Fallback: buffer.NewMemoryStore(buffer.Options{}),
		Codec:    codec,
		Pipeline: &pipeline.Scripted{},
		Health:   health.NewManager("test"),

		TokenTTL:          time.Minute,
		HeartbeatInterval: time.Hour, // keep-alives out of the way
		PipelineTimeout:   5 * time.Second,
		LivePollInterval:  10 * time.Millisecond,
		Logger:            logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ts := httptest.NewServer(NewServer(cfg).Router())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, mr: mr, codec: codec}
}

// frame is one parsed SSE record. Comment-only keep-alives are dropped
// during parsing.
type frame struct {
	ID    int64
	Event string
	Data  string
}

func parseFrames(t *testing.T, body string) []frame {
	t.Helper()
	var frames []frame
	for _, block := range strings.Split(body, "\n\n") {
		f, ok := parseFrame(t, block)
		if ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func parseFrame(t *testing.T, block string) (frame, bool) {
	t.Helper()
	var f frame
	seen := false
	for _, line := range strings.Split(block, "\n") {
		switch {
		case line == "" || strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id, err := strconv.ParseInt(strings.TrimPrefix(line, "id: "), 10, 64)
			require.NoError(t, err)
			f.ID = id
			seen = true
		case strings.HasPrefix(line, "event: "):
			f.Event = strings.TrimPrefix(line, "event: ")
			seen = true
		case strings.HasPrefix(line, "data: "):
			f.Data = strings.TrimPrefix(line, "data: ")
			seen = true
		default:
			t.Fatalf("unexpected SSE line %q", line)
		}
	}
	return f, seen
}

// readFramesUntil consumes SSE frames from a live response body until
// stop returns true, leaving the connection open.
func readFramesUntil(t *testing.T, r *bufio.Reader, stop func(frame) bool) []frame {
	t.Helper()
	var frames []frame
	var block strings.Builder
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			require.NoError(t, err, "stream ended before expected frame")
		}
		if line != "\n" {
			block.WriteString(line)
			continue
		}
		f, ok := parseFrame(t, strings.TrimSuffix(block.String(), "\n"))
		block.Reset()
		if !ok {
			continue
		}
		frames = append(frames, f)
		if stop(f) {
			return frames
		}
	}
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

// runStream posts a brief and reads the whole stream to completion.
func runStream(t *testing.T, ts *testServer, brief string) (*http.Response, []frame) {
	t.Helper()
	resp := postJSON(t, ts.URL+"/stream", `{"brief":`+strconv.Quote(brief)+`}`)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, parseFrames(t, string(raw))
}

func resumeWith(t *testing.T, ts *testServer, token, mode string) *http.Response {
	t.Helper()
	url := ts.URL + "/stream/resume"
	if mode != "" {
		url += "?mode=" + mode
	}
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set(resumeTokenHeader, token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeErrorBody(t *testing.T, resp *http.Response) (errorBody, string) {
	t.Helper()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var body errorBody
	require.NoError(t, json.Unmarshal(raw, &body))
	return body, string(raw)
}

// tokenPayload builds a valid, unexpired payload for the given session.
func tokenPayload(requestID string, seq int64) resumetoken.Payload {
	return resumetoken.Payload{
		RequestID: requestID,
		Step:      event.StepDrafting,
		Seq:       seq,
		ExpiresAt: time.Now().Add(time.Minute).UnixMilli(),
	}
}

// resumeTokenOf extracts the token from the first resume frame.
func resumeTokenOf(t *testing.T, frames []frame) string {
	t.Helper()
	for _, f := range frames {
		if f.Event == "resume" {
			var p struct {
				Token string `json:"token"`
			}
			require.NoError(t, json.Unmarshal([]byte(f.Data), &p))
			require.NotEmpty(t, p.Token)
			return p.Token
		}
	}
	t.Fatal("no resume frame in stream")
	return ""
}

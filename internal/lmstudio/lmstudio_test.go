package lmstudio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Dolwer/replyledger/internal/extract"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *extract.Schema {
	t.Helper()
	s, err := extract.NewSchema([]extract.Field{
		{Name: "price_usd", Column: "C", Type: extract.TypeNumber},
		{Name: "payment", Column: "F", Type: extract.TypeString},
	})
	require.NoError(t, err)
	return s
}

func completionServer(t *testing.T, status int, completion string) (*httptest.Server, *completionRequest) {
	t.Helper()
	var captured completionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &captured))
		w.WriteHeader(status)
		if status == http.StatusOK {
			resp := map[string]interface{}{
				"choices": []map[string]string{{"text": completion}},
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func newClient(url string) *Client {
	return New(Config{APIURL: url, Model: "test-model", MaxTokens: 128})
}

func TestSubmitCleanJSON(t *testing.T) {
	srv, req := completionServer(t, http.StatusOK, `{"price_usd": "120", "payment": "wire"}`)
	obj, err := newClient(srv.URL).Submit(context.Background(), "reply body text", testSchema(t))
	require.NoError(t, err)
	assert.Equal(t, "120", obj["price_usd"])
	assert.Equal(t, "wire", obj["payment"])

	// The prompt carries the reply and the expected field names.
	assert.Equal(t, "test-model", req.Model)
	assert.Contains(t, req.Prompt, "reply body text")
	assert.Contains(t, req.Prompt, "price_usd")
	assert.Contains(t, req.Prompt, "payment")
	assert.False(t, req.Stream)
}

func TestSubmitJSONWrappedInProse(t *testing.T) {
	completion := "Sure! Here is the extracted data:\n```json\n{\"price_usd\": \"99\", \"payment\": \"\"}\n```\nLet me know if you need more."
	srv, _ := completionServer(t, http.StatusOK, completion)
	obj, err := newClient(srv.URL).Submit(context.Background(), "body", testSchema(t))
	require.NoError(t, err)
	assert.Equal(t, "99", obj["price_usd"])
}

func TestSubmitTruncatedJSONRepaired(t *testing.T) {
	srv, _ := completionServer(t, http.StatusOK, `{"price_usd": "420", "payment": "cryp`)
	obj, err := newClient(srv.URL).Submit(context.Background(), "body", testSchema(t))
	require.NoError(t, err)
	assert.Equal(t, "420", obj["price_usd"])
}

func TestSubmitNoJSON(t *testing.T) {
	srv, _ := completionServer(t, http.StatusOK, "I could not find any pricing details in this email.")
	_, err := newClient(srv.URL).Submit(context.Background(), "body", testSchema(t))
	require.Error(t, err)
	assert.True(t, extract.IsUnparsable(err))
	assert.False(t, extract.IsTransient(err))
}

func TestSubmitServerErrorIsTransient(t *testing.T) {
	srv, _ := completionServer(t, http.StatusInternalServerError, "")
	_, err := newClient(srv.URL).Submit(context.Background(), "body", testSchema(t))
	require.Error(t, err)
	assert.True(t, extract.IsTransient(err))
}

func TestSubmitRateLimitedIsTransient(t *testing.T) {
	srv, _ := completionServer(t, http.StatusTooManyRequests, "")
	_, err := newClient(srv.URL).Submit(context.Background(), "body", testSchema(t))
	require.Error(t, err)
	assert.True(t, extract.IsTransient(err))
}

func TestSubmitBadRequestIsPermanent(t *testing.T) {
	srv, _ := completionServer(t, http.StatusBadRequest, "")
	_, err := newClient(srv.URL).Submit(context.Background(), "body", testSchema(t))
	require.Error(t, err)
	assert.False(t, extract.IsTransient(err))
	assert.False(t, extract.IsUnparsable(err))
}

func TestSubmitConnectionRefusedIsTransient(t *testing.T) {
	_, err := newClient("http://127.0.0.1:1/v1/completions").Submit(context.Background(), "body", testSchema(t))
	require.Error(t, err)
	assert.True(t, extract.IsTransient(err))
}

func TestBalancedObjects(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{`{"a": 1}`, 1},
		{`prefix {"a": {"b": 2}} suffix {"c": 3}`, 2},
		{`no objects here`, 0},
		{`{"s": "brace in \" string }"}`, 1},
	}
	for _, tc := range cases {
		if got := balancedObjects(tc.in); len(got) != tc.want {
			t.Errorf("balancedObjects(%q) found %d spans, want %d", tc.in, len(got), tc.want)
		}
	}
}

func TestRepairTruncated(t *testing.T) {
	fixed, ok := repairTruncated(fmt.Sprintf("JSON: %s", `{"a": "unterminated`))
	require.True(t, ok)
	obj, ok := tryDecode(fixed)
	require.True(t, ok)
	assert.Equal(t, "unterminated", obj["a"])
}

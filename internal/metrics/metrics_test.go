package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAndHandler(t *testing.T) {
	Publish("omgate_test_stats", func() any { return map[string]int{"orders": 3} })
	// 重复发布不 panic
	Publish("omgate_test_stats", func() any { return nil })

	FramesIn.Add(1)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `"omgate_test_stats": {"orders":3}`), body)
	assert.Contains(t, body, `"frames_in"`)
}

func TestCountersEndpoint(t *testing.T) {
	before := Counters()["protocol_errors"]
	ProtocolErrors.Add(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/counters", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, before+2, got["protocol_errors"])
	assert.Len(t, got, 9)
}

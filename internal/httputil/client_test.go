package httputil

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardClient_Wraps(t *testing.T) {
	custom := &http.Client{}
	assert.Same(t, custom, NewStandardClient(custom, time.Second).Client)

	c := NewStandardClient(nil, 3*time.Second)
	assert.Equal(t, 3*time.Second, c.Client.Timeout)
}

func TestMockHTTPClient_RoutesByPath(t *testing.T) {
	mock := NewMockHTTPClient().
		Respond("/detect", http.StatusOK, `{"detections":[]}`).
		Handle("/classify", func(req *http.Request, body []byte) (int, string, error) {
			return http.StatusOK, "echo:" + string(body), nil
		})

	req, _ := http.NewRequest(http.MethodPost, "http://infer/classify", strings.NewReader("abc"))
	resp, err := mock.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "echo:abc", string(body))

	req, _ = http.NewRequest(http.MethodGet, "http://infer/detect", nil)
	resp, err = mock.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodGet, "http://infer/nope", nil)
	resp, err = mock.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	reqs := mock.Requests()
	require.Len(t, reqs, 3)
	assert.Equal(t, "/classify", reqs[0].Path)
	assert.Equal(t, []byte("abc"), reqs[0].Body)
	assert.Equal(t, 3, mock.RequestCount())
}

func TestMockHTTPClient_TransportError(t *testing.T) {
	boom := errors.New("connection refused")
	mock := NewMockHTTPClient().Handle("/detect", func(*http.Request, []byte) (int, string, error) {
		return 0, "", boom
	})
	req, _ := http.NewRequest(http.MethodPost, "http://infer/detect", nil)
	_, err := mock.Do(req)
	assert.ErrorIs(t, err, boom)
}

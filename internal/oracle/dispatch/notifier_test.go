// internal/oracle/dispatch/notifier_test.go
package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"experiment-oracle/internal/common/errors"
	httpclient "experiment-oracle/internal/common/http"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPNotifier_SendsEnvelopeAndHeaders(t *testing.T) {
	var got map[string]string
	var auth, user string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		auth = r.Header.Get("Authorization")
		user = r.Header.Get("x-user-id")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(httpclient.NewClient(time.Second), srv.URL, "svc-key")
	require.NoError(t, n.Notify(context.Background(), envelope("c-1")))

	assert.Equal(t, "Bearer svc-key", auth)
	assert.Equal(t, "u-1", user)
	assert.Equal(t, "What channel performs best?", got["pergunta"])
	assert.Equal(t, "c-1", got["conversation_id"])
	assert.Equal(t, "geral", got["tipo"])
	assert.NotContains(t, got, "userId")
}

func TestHTTPNotifier_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := httpclient.NewClient(time.Second).WithRetries(2).WithBackoff(time.Millisecond)
	n := NewHTTPNotifier(client, srv.URL, "")
	require.NoError(t, n.Notify(context.Background(), envelope("c-1")))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestHTTPNotifier_ClientErrorIsTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := NewHTTPNotifier(httpclient.NewClient(time.Second).WithRetries(2), srv.URL, "")
	err := n.Notify(context.Background(), envelope("c-1"))
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrCodeTransportFailed))
	assert.Contains(t, errors.AsStandard(err).Details, "status 400")
}

type fakeCreator struct {
	processID string
	vars      interface{}
	err       error
}

func (f *fakeCreator) CreateInstance(_ context.Context, processID string, vars interface{}) (int64, error) {
	f.processID = processID
	f.vars = vars
	return 2251799813685249, f.err
}

func TestZeebeNotifier(t *testing.T) {
	creator := &fakeCreator{}
	n := NewZeebeNotifier(creator, "oracle-question")

	require.NoError(t, n.Notify(context.Background(), envelope("c-1")))
	assert.Equal(t, "zeebe", n.Transport())
	assert.Equal(t, "oracle-question", creator.processID)
	vars := creator.vars.(map[string]interface{})
	assert.Equal(t, "What channel performs best?", vars["pergunta"])
	assert.Equal(t, "u-1", vars["userId"])

	creator.err = errors.NewTransportError("zeebe", stderrors.New("unavailable"))
	err := n.Notify(context.Background(), envelope("c-1"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeTransportFailed))
}

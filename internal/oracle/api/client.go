// internal/oracle/api/client.go
package api

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"experiment-oracle/internal/common/errors"
	httpclient "experiment-oracle/internal/common/http"
	"experiment-oracle/internal/models"
	"experiment-oracle/internal/oracle/dispatch"
)

// Client talks to a running gateway on behalf of one bearer token. It serves
// as the orchestrator's Dispatcher and as the history reader behind polling.
type Client struct {
	http    *httpclient.Client
	baseURL string
	token   string
}

func NewClient(client *httpclient.Client, baseURL, token string) *Client {
	return &Client{http: client, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

func (c *Client) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.token}
}

// Dispatch posts q. The turn ID is fixed before the first attempt so a retried
// request is recognized by the gateway and recorded once.
func (c *Client) Dispatch(ctx context.Context, q models.Question) (dispatch.Ack, error) {
	if q.TurnID == "" {
		q.TurnID = models.NewTurnID()
	}
	resp, err := c.http.PostJSON(ctx, c.baseURL+DispatchPath, q, c.headers())
	if err != nil {
		return dispatch.Ack{}, errors.NewTransportError("oracle gateway", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return dispatch.Ack{}, remoteError(resp)
	}

	var body DispatchResponse
	if err := resp.DecodeJSON(&body); err != nil || !body.Success {
		return dispatch.Ack{}, errors.NewMalformedResponseError("unexpected dispatch acknowledgment")
	}
	return dispatch.Ack{ConversationID: body.ConversationID, TurnID: body.TurnID, CreatedAt: body.CreatedAt}, nil
}

func (c *Client) ListByConversation(ctx context.Context, conversationID string) ([]models.ConversationTurn, error) {
	resp, err := c.http.Get(ctx, c.baseURL+TurnsPath(url.PathEscape(conversationID)), c.headers())
	if err != nil {
		return nil, errors.NewTransportError("oracle gateway", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, remoteError(resp)
	}

	var body TurnsResponse
	if err := resp.DecodeJSON(&body); err != nil {
		return nil, errors.NewMalformedResponseError(err.Error())
	}
	return body.Turns, nil
}

// remoteError rebuilds the gateway's error from its JSON body.
func remoteError(resp *httpclient.Response) error {
	var body ErrorResponse
	if err := resp.DecodeJSON(&body); err != nil || body.Code == "" {
		return errors.NewTransportError("oracle gateway", &statusError{code: resp.StatusCode})
	}
	return &errors.StandardError{
		Code:    errors.ErrorCode(body.Code),
		Message: body.Error,
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return "unexpected status " + http.StatusText(e.code)
}

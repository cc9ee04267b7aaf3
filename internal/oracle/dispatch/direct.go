// internal/oracle/dispatch/direct.go
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"experiment-oracle/internal/common/errors"
	httpclient "experiment-oracle/internal/common/http"
	"experiment-oracle/internal/models"
)

// DirectClient asks the answering service and waits for its reply in the
// same round trip.
type DirectClient struct {
	client   *httpclient.Client
	endpoint string
	apiKey   string
}

func NewDirectClient(client *httpclient.Client, endpoint, apiKey string) *DirectClient {
	return &DirectClient{client: client, endpoint: endpoint, apiKey: apiKey}
}

func (d *DirectClient) Ask(ctx context.Context, q models.Question) (models.Answer, error) {
	if d.endpoint == "" {
		return models.Answer{}, errors.NewDispatchNotConfiguredError()
	}

	headers := map[string]string{"x-user-id": q.UserID}
	if d.apiKey != "" {
		headers["Authorization"] = "Bearer " + d.apiKey
	}

	resp, err := d.client.PostJSON(ctx, d.endpoint, models.NewDispatchEnvelope(q), headers)
	if err != nil {
		return models.Answer{}, errors.NewTransportError("answering service", err)
	}
	if !resp.OK() {
		return models.Answer{}, errors.NewTransportError("answering service",
			fmt.Errorf("status %d", resp.StatusCode))
	}

	var answer models.Answer
	if err := resp.DecodeJSON(&answer); err != nil {
		return models.Answer{}, errors.NewMalformedResponseError(err.Error())
	}
	if strings.TrimSpace(answer.Content) == "" {
		return models.Answer{}, errors.NewMalformedResponseError("response has no resposta")
	}
	if answer.ConversationID == "" {
		answer.ConversationID = q.ConversationID
	}
	if answer.Question == "" {
		answer.Question = q.Text
	}
	if answer.UserID == "" {
		answer.UserID = q.UserID
	}
	return answer, nil
}

// internal/oracle/dispatch/notifier.go
package dispatch

import (
	"context"
	"fmt"

	"experiment-oracle/internal/common/errors"
	httpclient "experiment-oracle/internal/common/http"
	"experiment-oracle/internal/models"
)

// Notifier hands a question to the answering service.
type Notifier interface {
	Notify(ctx context.Context, env models.DispatchEnvelope) error
	Transport() string
}

// HTTPNotifier posts the envelope to the configured answering endpoint.
type HTTPNotifier struct {
	client   *httpclient.Client
	endpoint string
	apiKey   string
}

func NewHTTPNotifier(client *httpclient.Client, endpoint, apiKey string) *HTTPNotifier {
	return &HTTPNotifier{client: client, endpoint: endpoint, apiKey: apiKey}
}

func (n *HTTPNotifier) Transport() string { return "http" }

func (n *HTTPNotifier) Notify(ctx context.Context, env models.DispatchEnvelope) error {
	headers := map[string]string{"x-user-id": env.UserID}
	if n.apiKey != "" {
		headers["Authorization"] = "Bearer " + n.apiKey
	}

	resp, err := n.client.PostJSON(ctx, n.endpoint, env, headers)
	if err != nil {
		return errors.NewTransportError("answering service", err)
	}
	if !resp.OK() {
		return errors.NewTransportError("answering service",
			fmt.Errorf("status %d after %d attempts", resp.StatusCode, resp.Attempts))
	}
	return nil
}

// instanceCreator starts workflow instances; *camunda.Client satisfies it.
type instanceCreator interface {
	CreateInstance(ctx context.Context, processID string, vars interface{}) (int64, error)
}

// ZeebeNotifier starts one process instance per question.
type ZeebeNotifier struct {
	creator   instanceCreator
	processID string
}

func NewZeebeNotifier(creator instanceCreator, processID string) *ZeebeNotifier {
	return &ZeebeNotifier{creator: creator, processID: processID}
}

func (n *ZeebeNotifier) Transport() string { return "zeebe" }

func (n *ZeebeNotifier) Notify(ctx context.Context, env models.DispatchEnvelope) error {
	if _, err := n.creator.CreateInstance(ctx, n.processID, env.Variables()); err != nil {
		return err
	}
	return nil
}

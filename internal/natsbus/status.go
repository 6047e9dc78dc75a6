package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/postdeck/internal/agentstatus"
)

type statusReply struct {
	State *agentstatus.SwarmState `json:"state,omitempty"`
	Error string                  `json:"error,omitempty"`
}

// ServeStatusUpdates answers worker status requests on status.update.<id>
// by applying them to store.
func ServeStatusUpdates(c *Client, store *agentstatus.Store) (*nats.Subscription, error) {
	return c.Subscribe(TopicStatusUpdateAll, func(msg *nats.Msg) {
		reply := handleStatusUpdate(store, msg)
		data, err := json.Marshal(reply)
		if err != nil {
			slog.Error("encode status reply", "error", err)
			return
		}
		if msg.Reply != "" {
			if err := msg.Respond(data); err != nil {
				slog.Warn("status reply failed", "subject", msg.Subject, "error", err)
			}
		}
	})
}

func handleStatusUpdate(store *agentstatus.Store, msg *nats.Msg) statusReply {
	id, ok := agentFromSubject(msg.Subject)
	if !ok {
		return statusReply{Error: "bad subject " + msg.Subject}
	}
	var p agentstatus.Patch
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return statusReply{Error: "invalid patch: " + err.Error()}
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := store.Update(ctx, id, p)
	if err != nil {
		slog.Warn("worker status update rejected", "agent", id, "error", err)
		return statusReply{Error: err.Error()}
	}
	return statusReply{State: &st}
}

// RemoteStatus sends status updates to a gateway over NATS. It satisfies
// agentstatus.Updater for workers in other processes.
type RemoteStatus struct {
	client  *Client
	timeout time.Duration
}

func NewRemoteStatus(c *Client, timeout time.Duration) *RemoteStatus {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteStatus{client: c, timeout: timeout}
}

func (r *RemoteStatus) Update(ctx context.Context, id string, p agentstatus.Patch) (agentstatus.SwarmState, error) {
	if err := agentstatus.ValidateID(id); err != nil {
		return agentstatus.SwarmState{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return agentstatus.SwarmState{}, fmt.Errorf("encode patch: %w", err)
	}

	timeout := r.timeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	msg, err := r.client.Request(TopicStatusUpdate(id), data, timeout)
	if err != nil {
		return agentstatus.SwarmState{}, fmt.Errorf("status request: %w", err)
	}

	var reply statusReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return agentstatus.SwarmState{}, fmt.Errorf("decode status reply: %w", err)
	}
	if reply.Error != "" {
		return agentstatus.SwarmState{}, errors.New(reply.Error)
	}
	if reply.State == nil {
		return agentstatus.SwarmState{}, errors.New("empty status reply")
	}
	return *reply.State, nil
}

// ForwardStatus publishes every state of store on events.status. The
// returned func stops forwarding.
func ForwardStatus(c *Client, store *agentstatus.Store) func() {
	return store.Subscribe(func(st agentstatus.SwarmState) {
		if err := c.PublishEvent(TopicEventsStatus, EventStatus, st); err != nil {
			slog.Warn("publish status event failed", "error", err)
		}
	})
}

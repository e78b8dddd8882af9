package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/readshelf/internal/api"
	"github.com/jackzampolin/readshelf/internal/queue"
	"github.com/jackzampolin/readshelf/internal/svcctx"
)

const queueGroup = "queue"

// keepAliveInterval spaces comment lines on idle event streams.
const keepAliveInterval = 15 * time.Second

// QueueStateResponse reports the latest queue state and worker status.
type QueueStateResponse struct {
	State   json.RawMessage `json:"state"`
	Running bool            `json:"running"`
	Held    bool            `json:"held"`
}

func queueEngine(w http.ResponseWriter, r *http.Request) (*queue.Engine, bool) {
	engine := svcctx.QueueFrom(r.Context())
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "queue not initialized")
		return nil, false
	}
	return engine, true
}

func stateResponse(engine *queue.Engine) (QueueStateResponse, error) {
	raw, err := queue.MarshalState(engine.States().Current())
	if err != nil {
		return QueueStateResponse{}, err
	}
	return QueueStateResponse{State: raw, Running: engine.Running(), Held: engine.Held()}, nil
}

// QueueStateEndpoint handles GET /api/queue/state.
type QueueStateEndpoint struct{}

var _ api.Endpoint = (*QueueStateEndpoint)(nil)

func (e *QueueStateEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/queue/state", e.handler
}

func (e *QueueStateEndpoint) RequiresInit() bool { return true }
func (e *QueueStateEndpoint) Group() string      { return queueGroup }

func (e *QueueStateEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	engine, ok := queueEngine(w, r)
	if !ok {
		return
	}
	resp, err := stateResponse(engine)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (e *QueueStateEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show the latest queue state",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp QueueStateResponse
			if err := client.Get(cmd.Context(), "/api/queue/state", &resp); err != nil {
				return err
			}
			var state any
			if err := json.Unmarshal(resp.State, &state); err != nil {
				return err
			}
			return api.Output(map[string]any{
				"state":   state,
				"running": resp.Running,
				"held":    resp.Held,
			})
		},
	}
}

// QueueEventsEndpoint handles GET /api/queue/events as a server-sent event
// stream. Slow readers only see the latest state.
type QueueEventsEndpoint struct{}

var _ api.Endpoint = (*QueueEventsEndpoint)(nil)

func (e *QueueEventsEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/queue/events", e.handler
}

func (e *QueueEventsEndpoint) RequiresInit() bool { return true }
func (e *QueueEventsEndpoint) Group() string      { return queueGroup }

func (e *QueueEventsEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	engine, ok := queueEngine(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// The stream outlives the server's write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	states, cancel := engine.States().Subscribe()
	defer cancel()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case s, ok := <-states:
			if !ok {
				return
			}
			raw, err := queue.MarshalState(s)
			if err != nil {
				svcctx.LoggerFrom(r.Context()).Warn("failed to encode queue state", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: state\ndata: %s\n\n", raw); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (e *QueueEventsEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow queue state changes until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			return client.Stream(cmd.Context(), "/api/queue/events", func(data []byte) error {
				fmt.Println(string(data))
				return nil
			})
		},
	}
}

// QueueStartEndpoint handles POST /api/queue/start. It clears an
// insufficient-credits hold and wakes the worker.
type QueueStartEndpoint struct{}

var _ api.Endpoint = (*QueueStartEndpoint)(nil)

func (e *QueueStartEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/queue/start", e.handler
}

func (e *QueueStartEndpoint) RequiresInit() bool { return true }
func (e *QueueStartEndpoint) Group() string      { return queueGroup }

func (e *QueueStartEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	engine, ok := queueEngine(w, r)
	if !ok {
		return
	}
	engine.Resume()
	svcctx.LoggerFrom(r.Context()).Info("queue resumed via API")

	resp, err := stateResponse(engine)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (e *QueueStartEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Resume processing (e.g. after adding credits)",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp QueueStateResponse
			if err := client.Post(cmd.Context(), "/api/queue/start", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Queue resumed (running: %t)\n", resp.Running)
			return nil
		},
	}
}

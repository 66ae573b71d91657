// v0
// internal/commands/ingress.go
package commands

import (
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"strings"

	"nrgchamp/floorctl/internal/device"
)

var (
	// ErrMissingParams rejects control requests without an address or action.
	ErrMissingParams = errors.New("missing ip or action")
	// ErrUnauthorized rejects control requests with a wrong password.
	ErrUnauthorized = errors.New("invalid control password")
)

// Request is the control payload shared by the HTTP and Kafka ingresses.
type Request struct {
	IP       string         `json:"ip"`
	Type     string         `json:"type,omitempty"`
	Action   string         `json:"action"`
	Params   map[string]any `json:"params,omitempty"`
	Message  string         `json:"msg,omitempty"`
	Password string         `json:"password"`
}

// Ingress validates control requests and places them on the queue.
type Ingress struct {
	queue    *Queue
	password string
	log      *slog.Logger

	onAccepted func(Request, device.Command)
}

// NewIngress binds an ingress to q. Every request must carry password.
func NewIngress(q *Queue, password string, logger *slog.Logger) *Ingress {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Ingress{queue: q, password: password, log: logger.With(slog.String("component", "control"))}
}

// OnAccepted registers fn to run after each queued command. Must be called
// before the ingress is shared.
func (i *Ingress) OnAccepted(fn func(Request, device.Command)) {
	i.onAccepted = fn
}

// Submit validates req and enqueues it. Rejected requests leave the queue
// untouched.
func (i *Ingress) Submit(req Request) (device.Command, int, error) {
	ip := strings.TrimSpace(req.IP)
	action := strings.TrimSpace(req.Action)
	if ip == "" || action == "" {
		return device.Command{}, 0, ErrMissingParams
	}
	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(i.password)) != 1 {
		i.log.Warn("control_unauthorized", slog.String("ip", ip), slog.String("action", action))
		return device.Command{}, 0, ErrUnauthorized
	}
	target := Target(ip, req.Type)
	cmd, depth, err := i.queue.Enqueue(target, device.Command{
		Action:  action,
		Params:  req.Params,
		Message: req.Message,
	})
	if err != nil {
		return device.Command{}, 0, err
	}
	i.log.Info("control_queued",
		slog.String("target", target),
		slog.String("action", action),
		slog.String("command_id", cmd.ID),
		slog.Int("queue_len", depth),
	)
	if i.onAccepted != nil {
		i.onAccepted(req, cmd)
	}
	return cmd, depth, nil
}

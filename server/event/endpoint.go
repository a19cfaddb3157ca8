package event

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/net/websocket"

	"github.com/matgreaves/wsrig/spec"
)

// Frame methods sent by bootstrappers.
const (
	MethodStatusChanged = "bootstrapper/statusChanged"
	MethodInstallerLog  = "installer/log"
)

// Frame is one JSON message on a bootstrapper connection.
type Frame struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// StatusParams is the payload of a MethodStatusChanged frame.
type StatusParams struct {
	RuntimeID   string `json:"runtimeId"`
	MachineName string `json:"machineName"`
	Status      string `json:"status"`
	Error       string `json:"error,omitempty"`
}

// LogParams is the payload of a MethodInstallerLog frame.
type LogParams struct {
	RuntimeID   string `json:"runtimeId"`
	MachineName string `json:"machineName"`
	Installer   string `json:"installer,omitempty"`
	Stream      string `json:"stream,omitempty"`
	Text        string `json:"text"`
}

// Endpoint is the websocket endpoint bootstrappers push to, mounted at
// /bootstrapper/{n}. Status frames are published on Status and log frames on
// Logs. Malformed frames are logged and skipped.
type Endpoint struct {
	Status *Bus[spec.BootstrapperStatusEvent]
	Logs   *Bus[spec.InstallerLogEvent]
	Log    *slog.Logger
}

func (e *Endpoint) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default().With(slog.String("component", "push-endpoint"))
}

// ServeHTTP implements http.Handler. Bootstrappers do not send an Origin
// header, so the handshake does not check one.
func (e *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	websocket.Server{Handler: e.serve}.ServeHTTP(w, r)
}

func (e *Endpoint) serve(conn *websocket.Conn) {
	defer conn.Close()
	ctx := conn.Request().Context()
	log := e.log().With(slog.String("channel", conn.Request().PathValue("n")))

	for {
		var f Frame
		if err := websocket.JSON.Receive(conn, &f); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("push connection closed", slog.String("error", err.Error()))
			}
			return
		}

		switch f.Method {
		case MethodStatusChanged:
			ev, err := decodeStatus(f.Params)
			if err != nil {
				log.Warn("dropping status frame", slog.String("error", err.Error()))
				continue
			}
			if e.Status != nil {
				e.Status.Publish(ctx, ev)
			}
		case MethodInstallerLog:
			ev, err := decodeLog(f.Params)
			if err != nil {
				log.Warn("dropping log frame", slog.String("error", err.Error()))
				continue
			}
			if e.Logs != nil {
				e.Logs.Publish(ctx, ev)
			}
		default:
			log.Warn("unknown push method", slog.String("method", f.Method))
		}
	}
}

func decodeStatus(raw json.RawMessage) (spec.BootstrapperStatusEvent, error) {
	var p StatusParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return spec.BootstrapperStatusEvent{}, err
	}
	id, err := spec.ParseRuntimeID(p.RuntimeID)
	if err != nil {
		return spec.BootstrapperStatusEvent{}, err
	}
	return spec.BootstrapperStatusEvent{
		RuntimeID:   id,
		MachineName: p.MachineName,
		Status:      spec.BootstrapperStatus(strings.ToUpper(p.Status)),
		Error:       p.Error,
	}, nil
}

func decodeLog(raw json.RawMessage) (spec.InstallerLogEvent, error) {
	var p LogParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return spec.InstallerLogEvent{}, err
	}
	id, err := spec.ParseRuntimeID(p.RuntimeID)
	if err != nil {
		return spec.InstallerLogEvent{}, err
	}
	return spec.InstallerLogEvent{
		RuntimeID:   id,
		MachineName: p.MachineName,
		Installer:   p.Installer,
		Stream:      p.Stream,
		Text:        p.Text,
	}, nil
}

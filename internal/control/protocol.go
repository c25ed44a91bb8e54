package control

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"

	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/domain"
	"github.com/irdkwmnsb/webrtc-grabber/packages/ssrc-relay/internal/metrics"
)

const (
	CmdAddSession    = "ADD_SESSION"
	CmdAddRoute      = "ADD_ROUTE"
	CmdRemoveRoute   = "REMOVE_ROUTE"
	CmdRemoveSession = "REMOVE_SESSION"
	CmdList          = "LIST"
	CmdPing          = "PING"
	CmdShutdown      = "SHUTDOWN"
)

const (
	replyOK    = "OK"
	replyPong  = "PONG"
	replyBye   = "BYE"
	listEnd    = "END"
	errPrefix  = "ERROR: "
	unknownCmd = "unknown"
)

// Router is the part of the session router the command server drives.
type Router interface {
	AddSession(sessionID string, audioSSRC, videoSSRC uint32) error
	AddRoute(sessionID, targetID, host string, audioPort, videoPort int) error
	RemoveRoute(sessionID, targetID string) error
	RemoveSession(sessionID string) error
	List() domain.Snapshot
}

// Handler maps one command line onto a router call and formats the reply.
// It keeps no state of its own.
type Handler struct {
	router Router
}

func NewHandler(router Router) *Handler {
	return &Handler{router: router}
}

// Handle executes line and returns the reply without a trailing newline.
// shutdown is true once SHUTDOWN was accepted.
func (h *Handler) Handle(line string) (reply string, shutdown bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", false
	}
	verb, args := fields[0], fields[1:]

	var err error
	switch verb {
	case CmdAddSession:
		err = h.addSession(args)
		reply = replyOK
	case CmdAddRoute:
		err = h.addRoute(args)
		reply = replyOK
	case CmdRemoveRoute:
		err = h.removeRoute(args)
		reply = replyOK
	case CmdRemoveSession:
		err = h.removeSession(args)
		reply = replyOK
	case CmdList:
		reply, err = h.list()
	case CmdPing:
		reply = replyPong
	case CmdShutdown:
		reply, shutdown = replyBye, true
	default:
		verb, err = unknownCmd, domain.ErrUnknownCommand
	}

	if err != nil {
		metrics.CommandsTotal.WithLabelValues(verb, "error").Inc()
		if !errors.Is(err, domain.ErrUnknownCommand) && !errors.Is(err, domain.ErrInvalidFormat) {
			slog.Warn("command failed", "command", verb, "args", args, "error", err)
		}
		return errorReply(err), false
	}
	metrics.CommandsTotal.WithLabelValues(verb, "ok").Inc()
	return reply, shutdown
}

func (h *Handler) addSession(args []string) error {
	if len(args) != 3 {
		return domain.ErrInvalidFormat
	}
	audioSSRC, err := parseSSRC(args[1])
	if err != nil {
		return err
	}
	videoSSRC, err := parseSSRC(args[2])
	if err != nil {
		return err
	}
	return h.router.AddSession(args[0], audioSSRC, videoSSRC)
}

func (h *Handler) addRoute(args []string) error {
	if len(args) != 5 {
		return domain.ErrInvalidFormat
	}
	audioPort, err := parsePort(args[3])
	if err != nil {
		return err
	}
	videoPort, err := parsePort(args[4])
	if err != nil {
		return err
	}
	return h.router.AddRoute(args[0], args[1], args[2], audioPort, videoPort)
}

func (h *Handler) removeRoute(args []string) error {
	if len(args) != 2 {
		return domain.ErrInvalidFormat
	}
	return h.router.RemoveRoute(args[0], args[1])
}

func (h *Handler) removeSession(args []string) error {
	if len(args) != 1 {
		return domain.ErrInvalidFormat
	}
	return h.router.RemoveSession(args[0])
}

// list serializes outside the router lock; List already returned a copy.
func (h *Handler) list() (string, error) {
	body, err := json.Marshal(h.router.List())
	if err != nil {
		return "", err
	}
	return string(body) + "\n" + listEnd, nil
}

func parseSSRC(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, domain.ErrInvalidFormat
	}
	return uint32(v), nil
}

func parsePort(s string) (int, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil || v == 0 {
		return 0, domain.ErrInvalidFormat
	}
	return int(v), nil
}

func errorReply(err error) string {
	switch {
	case errors.Is(err, domain.ErrSessionExists):
		return errPrefix + "Session exists"
	case errors.Is(err, domain.ErrMaxSessions):
		return errPrefix + "Max sessions"
	case errors.Is(err, domain.ErrSessionNotFound):
		return errPrefix + "Session not found"
	case errors.Is(err, domain.ErrTargetNotFound):
		return errPrefix + "Target not found"
	case errors.Is(err, domain.ErrMaxTargets):
		return errPrefix + "Max targets"
	case errors.Is(err, domain.ErrLinkFailed):
		return errPrefix + "Failed to link"
	case errors.Is(err, domain.ErrInvalidFormat):
		return errPrefix + "Invalid format"
	case errors.Is(err, domain.ErrUnknownCommand):
		return errPrefix + "Unknown command"
	default:
		return errPrefix + err.Error()
	}
}

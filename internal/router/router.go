// Package router dispatches inbound frames by command tag and shapes the
// replies. It is the seam between the session substrate and the recognition,
// enrollment, and store subsystems.
package router

import (
	"log/slog"
	"time"

	"github.com/facegate/facegate/internal/engine"
	"github.com/facegate/facegate/internal/enroll"
	"github.com/facegate/facegate/internal/gallery"
	"github.com/facegate/facegate/internal/metrics"
	"github.com/facegate/facegate/internal/protocol"
	"github.com/facegate/facegate/internal/session"
	"github.com/facegate/facegate/internal/store"
	"github.com/facegate/facegate/internal/telemetry"
)

// Matcher is the slice of the recognition engine the router needs. Tests
// substitute a stub; production passes *engine.Engine.
type Matcher interface {
	Match(imageB64 string) engine.MatchResult
	Embed(imageB64 string, checkLiveness bool) []float32
	LatestLiveness() *engine.LivenessResult
}

type handlerFunc func(s session.Session, raw []byte)

// Router owns the command table. Every handler either replies to the
// initiating session or broadcasts through the registry.
type Router struct {
	repo      store.Repository
	engine    Matcher
	gallery   *gallery.Gallery
	enroll    *enroll.Controller
	registry  *session.Registry
	metrics   *metrics.Metrics
	telemetry telemetry.Publisher

	// now is injectable so tests can steer the clock.
	now func() time.Time

	handlers map[string]handlerFunc
	log      *slog.Logger
}

// New wires the router. telemetry may be a Nop publisher.
func New(
	repo store.Repository,
	eng Matcher,
	g *gallery.Gallery,
	ctrl *enroll.Controller,
	reg *session.Registry,
	m *metrics.Metrics,
	pub telemetry.Publisher,
) *Router {
	rt := &Router{
		repo:      repo,
		engine:    eng,
		gallery:   g,
		enroll:    ctrl,
		registry:  reg,
		metrics:   m,
		telemetry: pub,
		now:       time.Now,
		log:       slog.Default(),
	}
	rt.handlers = map[string]handlerFunc{
		// device side
		"reg":      rt.handleReg,
		"sendlog":  rt.handleSendLog,
		"senduser": rt.handleSendUser,
		"ping":     rt.handlePing,
		// operator side
		"admin_hello":               rt.handleAdminHello,
		"admin_list_devices":        rt.handleAdminListDevices,
		"admin_list_users":          rt.handleAdminListUsers,
		"admin_add_user":            rt.handleAdminAddUser,
		"admin_delete_user":         rt.handleAdminDeleteUser,
		"admin_set_active":          rt.handleAdminSetActive,
		"admin_get_user":            rt.handleAdminGetUser,
		"admin_search_user_by_name": rt.handleAdminSearchUser,
		"admin_ping":                rt.handlePing,
	}
	return rt
}

// SetClock overrides the router's wall clock. Used by tests.
func (rt *Router) SetClock(now func() time.Time) { rt.now = now }

// Dispatch routes one inbound frame. Malformed frames are dropped silently;
// unknown commands are logged at warning and ignored.
func (rt *Router) Dispatch(s session.Session, raw []byte) {
	env, ok := protocol.ParseEnvelope(raw)
	if !ok {
		return
	}
	h, known := rt.handlers[env.Cmd]
	if !known {
		rt.log.Warn("unknown command", "cmd", env.Cmd, "session_id", s.ID())
		return
	}
	h(s, raw)
}

// OnSessionClosed is the registry unregister hook plus gauge upkeep; main
// installs it as the session onClose callback.
func (rt *Router) OnSessionClosed(sessionID string) {
	rt.registry.Unregister(sessionID)
	rt.syncGauges()
}

// broadcast fans a frame out to every operator and mirrors it to the
// telemetry publisher.
func (rt *Router) broadcast(frame any) {
	rt.registry.BroadcastToOperators(frame)
	rt.telemetry.Publish(frame)
}

// send is the reply path for every handler. A failed send means the peer is
// already gone; the frame is swallowed at debug like the rest of the
// transport errors.
func (rt *Router) send(s session.Session, frame any) {
	if err := s.Send(frame); err != nil {
		rt.log.Debug("reply send failed", "session_id", s.ID(), "err", err)
	}
}

func (rt *Router) syncGauges() {
	devices, operators := rt.registry.Counts()
	rt.metrics.ConnectedDevices.Set(float64(devices))
	rt.metrics.ConnectedOperators.Set(float64(operators))
}

func (rt *Router) handlePing(s session.Session, raw []byte) {
	var req protocol.PingRequest
	if err := unmarshal(raw, &req); err != nil {
		return
	}
	rt.send(s, protocol.Pong{Ret: "pong", TS: req.TS})
}

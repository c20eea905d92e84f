package router

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/facegate/facegate/internal/protocol"
	"github.com/facegate/facegate/internal/session"
)

// staleLogAge is how old a scan record may be before it is acknowledged and
// purged without running the pipeline.
const staleLogAge = 10 * time.Second

// Device-facing reply messages. The firmware renders these on the terminal
// display, so they stay short.
const (
	msgWelcome        = "Welcome "
	msgInactive       = "User inactive: "
	msgDenied         = "Access Denied"
	msgFingerprint    = "Fingerprint Unavailable"
	msgLogExpired     = "Log Expired"
	msgEnrollProgress = "Enrollment In Progress"
	msgEnrollComplete = "Enrollment Complete"
	msgEnrollTimeout  = "Enrollment Timeout"
	msgEnrollFailed   = "Enrollment Failed"
)

func unmarshal(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func (rt *Router) handleReg(s session.Session, raw []byte) {
	var req protocol.RegRequest
	if err := unmarshal(raw, &req); err != nil || req.SN == "" {
		return
	}
	rt.registry.RegisterDevice(req.SN, s)
	rt.syncGauges()
	if err := s.Send(protocol.NewRegReply(rt.now())); err != nil {
		rt.log.Debug("reg ack send failed", "serial", req.SN, "err", err)
	}
}

func (rt *Router) handleSendLog(s session.Session, raw []byte) {
	var req protocol.SendLogRequest
	if err := unmarshal(raw, &req); err != nil || req.SN == "" {
		return
	}
	for _, rec := range req.Record {
		reply := rt.processLogRecord(s, req.SN, rec)
		if err := s.Send(reply); err != nil {
			rt.log.Debug("sendlog reply failed", "serial", req.SN, "err", err)
		}
	}
}

// processLogRecord implements the per-record decision table: stale purge,
// boot noise, fingerprint fallback, enrollment shots, and the recognition
// path.
func (rt *Router) processLogRecord(s session.Session, serial string, rec protocol.LogRecord) protocol.SendLogReply {
	now := rt.now()
	note := rec.Note.Msg

	if strings.Contains(note, "system boot") {
		return rt.ack(now, 0, "")
	}
	if t, err := time.ParseInLocation(protocol.CloudTimeLayout, rec.Time, time.Local); err == nil {
		if now.Sub(t) > staleLogAge {
			rt.log.Debug("stale log purged", "serial", serial, "age", now.Sub(t))
			return rt.ack(now, 0, msgLogExpired)
		}
	}

	if _, pending := rt.enroll.Lookup(serial); pending {
		if rt.enroll.Expired(serial, now) {
			return rt.abortEnrollment(s, serial, now)
		}
		if rec.Image != "" {
			return rt.enrollmentShot(s, serial, rec.Image, now)
		}
		// Imageless frames do not advance the enrollment machine.
		return rt.ack(now, 0, "")
	}

	if strings.Contains(note, "fp verify fail") {
		rt.metrics.ScansTotal.WithLabelValues("denied").Inc()
		return rt.ack(now, 0, msgFingerprint)
	}
	if strings.Contains(note, "face not found") && rec.Image != "" {
		return rt.recognize(s, serial, rec.Image, now)
	}
	return rt.ack(now, 0, "")
}

// recognize runs the probe through the engine, decides access, records
// attendance, and fans live telemetry out to the operators.
func (rt *Router) recognize(s session.Session, serial, image string, now time.Time) protocol.SendLogReply {
	res := rt.engine.Match(image)

	scan := protocol.LiveScan{
		Ret:        "live_scan",
		DeviceSN:   serial,
		DeviceIP:   s.RemoteAddr(),
		Time:       protocol.CloudTime(now),
		Matched:    res.Matched,
		MatchScore: res.Score,
	}
	if lv := rt.engine.LatestLiveness(); lv != nil {
		scan.Liveness = &protocol.LivenessInfo{Score: lv.Score, Prob: lv.Prob, TimeMs: lv.TimeMs}
	}

	var reply protocol.SendLogReply
	switch {
	case !res.Matched:
		rt.metrics.ScansTotal.WithLabelValues("no_match").Inc()
		reply = rt.ack(now, 0, msgDenied)
	default:
		rt.metrics.MatchScore.Observe(res.Score)
		user, known := rt.gallery.Get(res.EnrollID)
		scan.EnrollID = res.EnrollID
		scan.UserName = user.Name
		scan.IsActive = user.IsActive
		scan.HasFace = user.HasFace
		switch {
		case !known:
			// Evicted between match and lookup; treat as a miss.
			rt.metrics.ScansTotal.WithLabelValues("no_match").Inc()
			scan.Matched = false
			reply = rt.ack(now, 0, msgDenied)
		case !user.IsActive:
			rt.metrics.ScansTotal.WithLabelValues("inactive").Inc()
			reply = rt.ack(now, 0, msgInactive+user.Name)
		default:
			rt.metrics.ScansTotal.WithLabelValues("granted").Inc()
			if _, err := rt.repo.LogAttendance(context.Background(), res.EnrollID, serial, now); err != nil {
				rt.log.Error("attendance insert failed", "enroll_id", res.EnrollID, "err", err)
			}
			reply = rt.ack(now, 1, msgWelcome+user.Name)
		}
	}

	rt.broadcast(scan)
	return reply
}

// enrollmentShot persists the capture and advances the per-device machine.
func (rt *Router) enrollmentShot(s session.Session, serial, image string, now time.Time) protocol.SendLogReply {
	p, ok := rt.enroll.Lookup(serial)
	if !ok {
		return rt.ack(now, 0, "")
	}
	if err := rt.repo.UpsertUser(context.Background(), p.EnrollID, p.Name, protocol.FaceBackupNum, p.IsAdmin, image); err != nil {
		rt.log.Error("enrollment shot persist failed", "enroll_id", p.EnrollID, "err", err)
		return rt.ack(now, 0, msgEnrollFailed)
	}
	after, err := rt.enroll.Advance(serial)
	if err != nil {
		return rt.ack(now, 0, "")
	}
	if after.ShotsRemaining > 0 {
		return rt.ack(now, 0, msgEnrollProgress)
	}

	// Final shot: commit the most recent image to the gallery. Templates
	// are ingested without the liveness gate.
	if emb := rt.engine.Embed(image, false); emb != nil {
		rt.gallery.Upsert(after.EnrollID, emb, after.Name, true)
	} else {
		rt.log.Warn("enrollment image produced no embedding, gallery add deferred to reconcile",
			"enroll_id", after.EnrollID)
	}
	rt.metrics.EnrollmentsTotal.WithLabelValues("complete").Inc()
	rt.broadcast(protocol.EnrollComplete{
		Ret:      "admin_enroll_complete",
		EnrollID: after.EnrollID,
		Username: after.Name,
		DeviceSN: serial,
	})
	return rt.ack(now, 0, msgEnrollComplete)
}

// abortEnrollment tears down a timed-out flow and purges the device's
// partial state.
func (rt *Router) abortEnrollment(s session.Session, serial string, now time.Time) protocol.SendLogReply {
	rt.enroll.Cancel(serial)
	rt.metrics.EnrollmentsTotal.WithLabelValues("timeout").Inc()
	for _, cmd := range []string{"cleanuser", "cleanlog"} {
		if err := s.Send(protocol.DeviceCommand{Cmd: cmd}); err != nil {
			rt.log.Debug("cleanup command failed", "serial", serial, "cmd", cmd, "err", err)
		}
	}
	return rt.ack(now, 0, msgEnrollTimeout)
}

// handleSendUser is the legacy device-side enrollment. The id the device
// sent is discarded and a fresh one is generated, matching the historical
// behavior of the fleet.
func (rt *Router) handleSendUser(s session.Session, raw []byte) {
	var req protocol.SendUserRequest
	if err := unmarshal(raw, &req); err != nil || req.SN == "" {
		return
	}
	now := rt.now()
	id, err := rt.repo.NextEnrollID(context.Background())
	if err != nil {
		rt.log.Error("enroll id allocation failed", "err", err)
		rt.send(s, protocol.SendUserReply{Ret: "senduser", Result: false, CloudTime: protocol.CloudTime(now)})
		return
	}
	if err := rt.repo.UpsertUser(context.Background(), id, req.Name, req.BackupNum, req.Admin != 0, req.Record); err != nil {
		rt.log.Error("senduser persist failed", "enroll_id", id, "err", err)
		rt.send(s, protocol.SendUserReply{Ret: "senduser", Result: false, CloudTime: protocol.CloudTime(now)})
		return
	}
	if req.BackupNum == protocol.FaceBackupNum && req.Record != "" {
		if emb := rt.engine.Embed(req.Record, false); emb != nil {
			rt.gallery.Upsert(id, emb, req.Name, true)
		}
	}
	rt.send(s, protocol.SendUserReply{Ret: "senduser", Result: true, EnrollID: id, CloudTime: protocol.CloudTime(now)})
}

func (rt *Router) ack(now time.Time, access int, message string) protocol.SendLogReply {
	return protocol.SendLogReply{
		Ret:       "sendlog",
		Result:    true,
		Access:    access,
		Message:   message,
		CloudTime: protocol.CloudTime(now),
	}
}

package router

import (
	"context"
	"errors"
	"sort"

	"github.com/facegate/facegate/internal/protocol"
	"github.com/facegate/facegate/internal/session"
)

var (
	errDeviceNotConnected = errors.New("device not connected")
	errUserNotFound       = errors.New("user not found")
	errFaceExists         = errors.New("user already has face data")
)

// handleAdminHello registers the console and re-acks every connected device.
// Devices treat the ack as confirmation that their registration is still
// known, which is how they recover after an operator reconnect.
func (rt *Router) handleAdminHello(s session.Session, raw []byte) {
	rt.registry.RegisterOperator(s)
	rt.syncGauges()
	rt.send(s, protocol.Reply{Ret: "admin_hello", Result: true})

	ack := protocol.NewRegReply(rt.now())
	for _, dev := range rt.registry.Devices() {
		if err := dev.Send(ack); err != nil {
			rt.log.Debug("reg re-ack failed", "session_id", dev.ID(), "err", err)
		}
	}
}

func (rt *Router) handleAdminListDevices(s session.Session, _ []byte) {
	serials := rt.registry.DeviceSerials()
	sort.Strings(serials)
	rt.send(s, protocol.AdminDeviceListReply{
		Reply:   protocol.Reply{Ret: "admin_list_devices", Result: true},
		Devices: serials,
	})
}

func (rt *Router) handleAdminListUsers(s session.Session, _ []byte) {
	users := rt.gallery.Users()
	out := make([]protocol.UserSummary, 0, len(users))
	for _, u := range users {
		out = append(out, protocol.UserSummary{
			EnrollID: u.EnrollID, Name: u.Name, IsActive: u.IsActive, HasFace: u.HasFace,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnrollID < out[j].EnrollID })
	rt.send(s, protocol.AdminUserListReply{
		Reply: protocol.Reply{Ret: "admin_list_users", Result: true},
		Users: out,
	})
}

// handleAdminAddUser checks the preconditions, allocates an id, and arms the
// enrollment machine for the device. The device then streams capture shots
// as log frames.
func (rt *Router) handleAdminAddUser(s session.Session, raw []byte) {
	var req protocol.AdminAddUser
	if err := unmarshal(raw, &req); err != nil {
		return
	}
	if !rt.registry.IsDeviceConnected(req.DeviceSN) {
		rt.send(s, protocol.ErrorReply("admin_add_user", errDeviceNotConnected))
		return
	}
	id, err := rt.repo.NextEnrollID(context.Background())
	if err != nil {
		rt.log.Error("enroll id allocation failed", "err", err)
		rt.send(s, protocol.ErrorReply("admin_add_user", err))
		return
	}
	if hasFace, err := rt.repo.HasFaceData(context.Background(), id); err != nil {
		rt.send(s, protocol.ErrorReply("admin_add_user", err))
		return
	} else if hasFace {
		rt.send(s, protocol.ErrorReply("admin_add_user", errFaceExists))
		return
	}
	if err := rt.enroll.Begin(req.DeviceSN, id, req.Name, req.IsAdmin != 0, rt.now()); err != nil {
		rt.send(s, protocol.ErrorReply("admin_add_user", err))
		return
	}
	rt.send(s, protocol.AdminAddUserReply{
		Reply:    protocol.Reply{Ret: "admin_add_user", Result: true},
		EnrollID: id,
		DeviceSN: req.DeviceSN,
		Name:     req.Name,
	})
}

func (rt *Router) handleAdminDeleteUser(s session.Session, raw []byte) {
	var req protocol.AdminUserRef
	if err := unmarshal(raw, &req); err != nil || req.EnrollID <= 0 {
		rt.send(s, protocol.ErrorReply("admin_delete_user", errUserNotFound))
		return
	}
	if err := rt.repo.DeleteUser(context.Background(), req.EnrollID); err != nil {
		rt.send(s, protocol.ErrorReply("admin_delete_user", err))
		return
	}
	rt.gallery.Remove(req.EnrollID)
	rt.send(s, protocol.Reply{Ret: "admin_delete_user", Result: true})
}

func (rt *Router) handleAdminSetActive(s session.Session, raw []byte) {
	var req protocol.AdminSetActive
	if err := unmarshal(raw, &req); err != nil || req.EnrollID <= 0 {
		rt.send(s, protocol.ErrorReply("admin_set_active", errUserNotFound))
		return
	}
	if err := rt.repo.SetUserActive(context.Background(), req.EnrollID, req.Active); err != nil {
		rt.send(s, protocol.ErrorReply("admin_set_active", err))
		return
	}
	rt.gallery.SetActive(req.EnrollID, req.Active)
	rt.send(s, protocol.Reply{Ret: "admin_set_active", Result: true})
}

func (rt *Router) handleAdminGetUser(s session.Session, raw []byte) {
	var req protocol.AdminUserRef
	if err := unmarshal(raw, &req); err != nil {
		return
	}
	u, ok := rt.gallery.Get(req.EnrollID)
	if !ok {
		rt.send(s, protocol.ErrorReply("admin_get_user", errUserNotFound))
		return
	}
	rt.send(s, protocol.AdminUserReply{
		Reply: protocol.Reply{Ret: "admin_get_user", Result: true},
		User: protocol.UserSummary{
			EnrollID: u.EnrollID, Name: u.Name, IsActive: u.IsActive, HasFace: u.HasFace,
		},
	})
}

func (rt *Router) handleAdminSearchUser(s session.Session, raw []byte) {
	var req protocol.AdminSearchUser
	if err := unmarshal(raw, &req); err != nil {
		return
	}
	rows, err := rt.repo.SearchUsersByName(context.Background(), req.Name)
	if err != nil {
		rt.send(s, protocol.ErrorReply("admin_search_user_by_name", err))
		return
	}
	out := make([]protocol.UserSummary, 0, len(rows))
	for _, row := range rows {
		_, hasFace := rt.gallery.Get(row.EnrollID)
		out = append(out, protocol.UserSummary{
			EnrollID: row.EnrollID, Name: row.Name, IsActive: row.IsActive, HasFace: hasFace,
		})
	}
	rt.send(s, protocol.AdminUserListReply{
		Reply: protocol.Reply{Ret: "admin_search_user_by_name", Result: true},
		Users: out,
	})
}

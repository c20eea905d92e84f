// Package protocol defines the JSON frames exchanged with biometric devices
// and operator consoles. Every frame is a single JSON object; inbound frames
// carry a "cmd" tag, replies carry a "ret" tag echoing the originating command.
package protocol

import (
	"encoding/json"
	"time"
)

// CloudTimeLayout is the wall-clock format devices expect in replies.
const CloudTimeLayout = "2006-01-02 15:04:05"

// FaceBackupNum is the backup slot that stores the face template.
// Other slots hold fingerprints and cards and are never matched against.
const FaceBackupNum = 50

// CloudTime formats t the way device firmware parses it.
func CloudTime(t time.Time) string {
	return t.Format(CloudTimeLayout)
}

// Envelope is the minimal shape used to discover the command tag before
// dispatch. Frames without a cmd field are dropped.
type Envelope struct {
	Cmd string `json:"cmd"`
}

// ParseEnvelope extracts the command tag from a raw frame.
func ParseEnvelope(raw []byte) (Envelope, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Cmd == "" {
		return Envelope{}, false
	}
	return env, true
}

// ----------------------------------------------------------------------------
// Device-originated frames
// ----------------------------------------------------------------------------

// RegRequest registers a device session by serial.
type RegRequest struct {
	Cmd string `json:"cmd"`
	SN  string `json:"sn"`
}

// LogNote carries the free-text annotation a device attaches to a scan record.
type LogNote struct {
	Msg string `json:"msg"`
}

// LogRecord is one scan event inside a sendlog frame. Image is base-64 of a
// JPEG/PNG capture; it is empty for events without a capture.
type LogRecord struct {
	EnrollID int     `json:"enrollid"`
	Time     string  `json:"time"`
	Note     LogNote `json:"note"`
	Image    string  `json:"image"`
}

// SendLogRequest streams scan records from a device.
type SendLogRequest struct {
	Cmd    string      `json:"cmd"`
	SN     string      `json:"sn"`
	Count  int         `json:"count"`
	Record []LogRecord `json:"record"`
}

// SendUserRequest is the legacy device-side enrollment upload.
type SendUserRequest struct {
	Cmd       string `json:"cmd"`
	SN        string `json:"sn"`
	EnrollID  int    `json:"enrollid"`
	BackupNum int    `json:"backupnum"`
	Name      string `json:"name"`
	Admin     int    `json:"admin"`
	Record    string `json:"record"`
}

// PingRequest is the heartbeat probe; TS is echoed back verbatim so the
// sender can compute round-trip time.
type PingRequest struct {
	Cmd string `json:"cmd"`
	TS  int64  `json:"ts"`
}

// ----------------------------------------------------------------------------
// Replies to devices
// ----------------------------------------------------------------------------

// RegReply acknowledges device registration.
type RegReply struct {
	Ret        string `json:"ret"`
	Result     bool   `json:"result"`
	CloudTime  string `json:"cloudtime"`
	NoSendUser bool   `json:"nosenduser"`
}

// NewRegReply builds the standard registration acknowledgement.
func NewRegReply(now time.Time) RegReply {
	return RegReply{Ret: "reg", Result: true, CloudTime: CloudTime(now), NoSendUser: false}
}

// SendLogReply answers one sendlog frame. Access 1 grants, 0 denies.
type SendLogReply struct {
	Ret       string `json:"ret"`
	Result    bool   `json:"result"`
	Access    int    `json:"access"`
	Message   string `json:"message"`
	CloudTime string `json:"cloudtime"`
}

// SendUserReply acknowledges a legacy enrollment upload.
type SendUserReply struct {
	Ret       string `json:"ret"`
	Result    bool   `json:"result"`
	EnrollID  int    `json:"enrollid"`
	CloudTime string `json:"cloudtime"`
}

// DeviceCommand is a server-initiated instruction (cleanuser, cleanlog).
type DeviceCommand struct {
	Cmd string `json:"cmd"`
}

// Pong echoes a heartbeat.
type Pong struct {
	Ret string `json:"ret"`
	TS  int64  `json:"ts"`
}

// ----------------------------------------------------------------------------
// Operator-originated frames
// ----------------------------------------------------------------------------

// AdminHello registers an operator console session.
type AdminHello struct {
	Cmd string `json:"cmd"`
}

// AdminAddUser starts an enrollment on a connected device.
type AdminAddUser struct {
	Cmd      string `json:"cmd"`
	DeviceSN string `json:"deviceSn"`
	Name     string `json:"name"`
	IsAdmin  int    `json:"isAdmin"`
}

// AdminUserRef addresses a single user by enroll id
// (admin_delete_user, admin_get_user).
type AdminUserRef struct {
	Cmd      string `json:"cmd"`
	EnrollID int    `json:"enrollId"`
}

// AdminSetActive toggles a user's active flag.
type AdminSetActive struct {
	Cmd      string `json:"cmd"`
	EnrollID int    `json:"enrollId"`
	Active   bool   `json:"active"`
}

// AdminSearchUser looks users up by case-insensitive name fragment.
type AdminSearchUser struct {
	Cmd  string `json:"cmd"`
	Name string `json:"name"`
}

// ----------------------------------------------------------------------------
// Replies and telemetry to operators
// ----------------------------------------------------------------------------

// Reply is the generic operator acknowledgement. Payload fields are flattened
// into the object next to ret/result.
type Reply struct {
	Ret    string `json:"ret"`
	Result bool   `json:"result"`
	Error  string `json:"error,omitempty"`
}

// ErrorReply shapes a failed operator command.
func ErrorReply(ret string, err error) Reply {
	return Reply{Ret: ret, Result: false, Error: err.Error()}
}

// AdminAddUserReply confirms that an enrollment was started.
type AdminAddUserReply struct {
	Reply
	EnrollID int    `json:"enrollId"`
	DeviceSN string `json:"deviceSn"`
	Name     string `json:"name"`
}

// AdminDeviceListReply lists the serials of connected devices.
type AdminDeviceListReply struct {
	Reply
	Devices []string `json:"devices"`
}

// UserSummary is one roster row in list/search/get replies.
type UserSummary struct {
	EnrollID int    `json:"enrollId"`
	Name     string `json:"name"`
	IsActive bool   `json:"isActive"`
	HasFace  bool   `json:"hasFace"`
}

// AdminUserReply returns a single user.
type AdminUserReply struct {
	Reply
	User UserSummary `json:"user"`
}

// AdminUserListReply returns a roster.
type AdminUserListReply struct {
	Reply
	Users []UserSummary `json:"users"`
}

// LivenessInfo is the last anti-spoof measurement attached to a live scan.
type LivenessInfo struct {
	Score  float64 `json:"Score"`
	Prob   float64 `json:"Prob"`
	TimeMs int64   `json:"TimeMs"`
}

// LiveScan is the telemetry frame fanned out to operators on every scan.
type LiveScan struct {
	Ret        string        `json:"ret"`
	DeviceSN   string        `json:"deviceSn"`
	DeviceIP   string        `json:"deviceIp"`
	Time       string        `json:"time"`
	Matched    bool          `json:"matched"`
	MatchScore float64       `json:"matchScore"`
	EnrollID   int           `json:"enrollId"`
	UserName   string        `json:"userName"`
	IsActive   bool          `json:"isActive"`
	HasFace    bool          `json:"hasFace"`
	Liveness   *LivenessInfo `json:"liveness"`
}

// EnrollComplete is broadcast to operators when a two-shot enrollment commits.
type EnrollComplete struct {
	Ret      string `json:"ret"`
	EnrollID int    `json:"enrollId"`
	Username string `json:"username"`
	DeviceSN string `json:"deviceSn"`
}

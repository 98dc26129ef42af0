package model

import "time"

// Message type markers carried in the "type" field of every frame.
const (
	MsgStatus = "status"
	MsgCmd    = "cmd"
	MsgCmdAck = "cmd_ack"
	MsgEvent  = "event"
)

// Supported command actions.
const (
	ActionDispense     = "dispense"
	ActionSetBallCount = "set_ball_count"
	ActionPing         = "ping"
	ActionSetConfig    = "set_config"
)

// Command is an inbound operator request.
type Command struct {
	Type   string         `json:"type"`
	ID     string         `json:"cmd_id"`
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

// AckData is the action-specific payload of an acknowledgment.
type AckData struct {
	BallsRemaining int `json:"balls_remaining"`
}

// Ack acknowledges exactly one Command.
type Ack struct {
	Type     string  `json:"type"`
	DeviceID string  `json:"device_id"`
	CmdID    string  `json:"cmd_id"`
	Success  bool    `json:"success"`
	Error    *string `json:"error"`
	Data     AckData `json:"data"`
}

// EventData is the payload of an EventMessage.
type EventData struct {
	BallCount int `json:"ball_count"`
}

// EventMessage is the wire form of an Event.
type EventMessage struct {
	Type     string    `json:"type"`
	DeviceID string    `json:"device_id"`
	Event    EventName `json:"event"`
	Data     EventData `json:"data"`
}

// DispenserReport is the dispenser sub-object of a status message.
type DispenserReport struct {
	State          DispenserState `json:"state"`
	LastDispenseTS int64          `json:"last_dispense_ts"`
	TotalDispensed int            `json:"total_dispensed"`
	Error          *string        `json:"error"`
}

// Diagnostics carries host level health figures.
type Diagnostics struct {
	FreeHeap   uint64  `json:"free_heap"`
	CPUFreqMHz float64 `json:"cpu_freq_mhz"`
	TempC      float64 `json:"temp_c"`
	IP         string  `json:"ip"`
}

// StatusMessage is the full periodic snapshot.
type StatusMessage struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
	Label    string `json:"label,omitempty"`
	UptimeS  int64  `json:"uptime_s"`
	Diagnostics
	BallCount        int             `json:"ball_count"`
	ServoOpenAngle   int             `json:"servo_open_angle"`
	ServoSettleMS    int64           `json:"servo_settle_ms"`
	LowBallThreshold int             `json:"low_ball_threshold"`
	SensorDistanceMM *int            `json:"sensor_distance_mm"`
	Dispenser        DispenserReport `json:"dispenser"`
}

// Envelope is used to peek at the type marker of an undecoded frame.
type Envelope struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id,omitempty"`
}

// NullableCode returns nil for an empty code so it encodes as JSON null.
func NullableCode(c ErrorCode) *string {
	if c == ErrNone {
		return nil
	}
	s := string(c)
	return &s
}

// Outbound is one frame handed to the operator channel, as seen by local
// observers such as the journal and the metrics collector.
type Outbound struct {
	DeviceID  string
	Type      string
	Payload   []byte
	Delivered bool
	Time      time.Time
}

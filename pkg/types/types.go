package types

import (
	"time"
)

// AgentKind distinguishes transmit workers from receive workers.
type AgentKind string

const (
	AgentKindTransmitter AgentKind = "transmitter"
	AgentKindReceiver    AgentKind = "receiver"
)

// AgentStatus is derived from the last heartbeat; sweeps and explicit
// signouts are the only writers.
type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// HostIdentity is the set of identifiers binding an agent credential to a
// physical origin. Any subset may be empty.
type HostIdentity struct {
	IP        string `json:"ip,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
	MAC       string `json:"mac,omitempty"`
	MachineID string `json:"machine_id,omitempty"`
}

// Device describes one piece of radio hardware attached to an agent.
type Device struct {
	ID         string      `json:"id"`
	Driver     string      `json:"driver,omitempty"`
	Serial     string      `json:"serial,omitempty"`
	Enabled    bool        `json:"enabled"`
	FreqLimits []FreqRange `json:"freq_limits,omitempty"`
}

// Agent represents a remote worker or receiver process.
type Agent struct {
	ID             string      `json:"id"`
	Kind           AgentKind   `json:"kind"`
	Hostname       string      `json:"hostname,omitempty"`
	IP             string      `json:"ip,omitempty"`
	MAC            string      `json:"mac,omitempty"`
	MachineID      string      `json:"machine_id,omitempty"`
	Status         AgentStatus `json:"status"`
	Enabled        bool        `json:"enabled"`
	LastHeartbeat  time.Time   `json:"last_heartbeat"`
	CredentialHash string      `json:"-"`
	Devices        []*Device   `json:"devices,omitempty"`
	PushConnected  bool        `json:"push_connected"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Identity assembles the stored identifiers for binding checks.
func (a *Agent) Identity() HostIdentity {
	return HostIdentity{IP: a.IP, Hostname: a.Hostname, MAC: a.MAC, MachineID: a.MachineID}
}

// AllowsFrequency reports whether any enabled device on the agent covers hz.
// An agent that declares no limits on any enabled device accepts anything.
func (a *Agent) AllowsFrequency(hz int64) bool {
	declared := false
	for _, d := range a.Devices {
		if !d.Enabled {
			continue
		}
		for _, r := range d.FreqLimits {
			declared = true
			if hz >= r.MinHz && hz <= r.MaxHz {
				return true
			}
		}
	}
	return !declared
}

// FreqRange is an inclusive interval of Hz, optionally named in the catalog.
type FreqRange struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	MinHz int64  `json:"min_hz" yaml:"min_hz"`
	MaxHz int64  `json:"max_hz" yaml:"max_hz"`
}

// Modulation enumerates the transmission modes a challenge may use.
type Modulation string

const (
	ModulationCW   Modulation = "cw"
	ModulationAM   Modulation = "am"
	ModulationFM   Modulation = "fm"
	ModulationUSB  Modulation = "usb"
	ModulationLSB  Modulation = "lsb"
	ModulationFSK  Modulation = "fsk"
	ModulationPSK  Modulation = "psk"
	ModulationFHSS Modulation = "fhss"
)

// CWParams holds CW-specific knobs.
type CWParams struct {
	SpeedWPM int `json:"speed_wpm" yaml:"speed_wpm"`
}

// AudioParams holds knobs shared by the analog voice modes.
type AudioParams struct {
	SampleRate int `json:"sample_rate" yaml:"sample_rate"`
}

// DigitalParams holds knobs for the digital keying modes.
type DigitalParams struct {
	Baud int `json:"baud" yaml:"baud"`
}

// FHSSParams holds frequency-hopping knobs. HopRanges names catalog ranges
// the hop set is drawn from.
type FHSSParams struct {
	HopRanges []string `json:"hop_ranges" yaml:"hop_ranges"`
	DwellMs   int      `json:"dwell_ms" yaml:"dwell_ms"`
	HopCount  int      `json:"hop_count,omitempty" yaml:"hop_count,omitempty"`
}

// ChallengeConfig is the parsed transmission specification. Exactly one of
// FrequencyHz, RangeNames, or ManualRange must be set; the payload is either
// inline text or an artifact reference by hash or filename.
type ChallengeConfig struct {
	Modulation  Modulation `json:"modulation" yaml:"modulation"`
	FrequencyHz int64      `json:"frequency_hz,omitempty" yaml:"frequency,omitempty"`
	RangeNames  []string   `json:"range_names,omitempty" yaml:"ranges,omitempty"`
	ManualRange *FreqRange `json:"manual_range,omitempty" yaml:"manual_range,omitempty"`

	Payload     string `json:"payload,omitempty" yaml:"payload,omitempty"`
	PayloadHash string `json:"payload_hash,omitempty" yaml:"payload_hash,omitempty"`
	PayloadFile string `json:"payload_file,omitempty" yaml:"payload_file,omitempty"`

	MinDelay int `json:"min_delay" yaml:"min_delay"`
	MaxDelay int `json:"max_delay" yaml:"max_delay"`

	CW      *CWParams      `json:"cw,omitempty" yaml:"cw,omitempty"`
	Audio   *AudioParams   `json:"audio,omitempty" yaml:"audio,omitempty"`
	Digital *DigitalParams `json:"digital,omitempty" yaml:"digital,omitempty"`
	FHSS    *FHSSParams    `json:"fhss,omitempty" yaml:"fhss,omitempty"`

	PublicView bool `json:"public_view,omitempty" yaml:"public_view,omitempty"`
}

// ChallengeStatus tracks the assignment state machine.
type ChallengeStatus string

const (
	ChallengeStatusQueued   ChallengeStatus = "queued"
	ChallengeStatusWaiting  ChallengeStatus = "waiting"
	ChallengeStatusAssigned ChallengeStatus = "assigned"
	ChallengeStatusDisabled ChallengeStatus = "disabled"
)

// Challenge is a named transmission specification the controller dispatches.
type Challenge struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Config   ChallengeConfig `json:"config"`
	Status   ChallengeStatus `json:"status"`
	Priority int             `json:"priority"`
	Enabled  bool            `json:"enabled"`

	LastTx  *time.Time `json:"last_tx,omitempty"`
	TxCount int64      `json:"tx_count"`

	OwnerID          string     `json:"owner_id,omitempty"`
	AssignedAt       *time.Time `json:"assigned_at,omitempty"`
	AssignmentExpiry *time.Time `json:"assignment_expiry,omitempty"`
	AssignedFreqHz   int64      `json:"assigned_freq_hz,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome is the terminal result of a transmission or recording.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Transmission is an append-only historical record of one dispatch cycle.
type Transmission struct {
	ID          uint64    `json:"id"`
	ChallengeID string    `json:"challenge_id"`
	AgentID     string    `json:"agent_id"`
	DeviceID    string    `json:"device_id,omitempty"`
	FrequencyHz int64     `json:"frequency_hz"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Outcome     Outcome   `json:"outcome"`
	Error       string    `json:"error,omitempty"`
}

// Artifact is an immutable blob identified by its SHA-256.
type Artifact struct {
	Hash      string    `json:"hash"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	MediaType string    `json:"media_type"`
	Path      string    `json:"path"`
	CreatedAt time.Time `json:"created_at"`
}

// EnrollmentToken is a single-use binding between a pending agent row and
// the credential that will authenticate it.
type EnrollmentToken struct {
	Token     string     `json:"token"`
	AgentID   string     `json:"agent_id"`
	CreatedBy string     `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	UsedBy    string     `json:"used_by,omitempty"`
}

// Session is an operator login context with a sliding expiry.
type Session struct {
	Token        string    `json:"token"`
	Username     string    `json:"username"`
	ExpiresAt    time.Time `json:"expires_at"`
	TOTPVerified bool      `json:"totp_verified"`
	CreatedAt    time.Time `json:"created_at"`
}

// User is an operator account.
type User struct {
	Username           string     `json:"username"`
	PasswordHash       string     `json:"-"`
	TOTPSecretEnc      []byte     `json:"-"`
	Enabled            bool       `json:"enabled"`
	MustChangePassword bool       `json:"must_change_password"`
	CreatedAt          time.Time  `json:"created_at"`
	LastLogin          *time.Time `json:"last_login,omitempty"`
}

// Operator permissions. Admin implies everything.
const (
	PermAdmin            = "admin"
	PermCreateUsers      = "create_users"
	PermManageChallenges = "manage_challenges"
	PermManageAgents     = "manage_agents"
	PermView             = "view"
)

// ValidPermission reports whether name is a known permission.
func ValidPermission(name string) bool {
	switch name {
	case PermAdmin, PermCreateUsers, PermManageChallenges, PermManageAgents, PermView:
		return true
	}
	return false
}

// ProvisioningKey is a long-lived stateless credential for automated agent
// enrollment. It cannot do anything else.
type ProvisioningKey struct {
	ID          string     `json:"id"`
	KeyHash     string     `json:"-"`
	Description string     `json:"description,omitempty"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	Enabled     bool       `json:"enabled"`
}

// RecordingAssignmentStatus tracks the receiver-side capture workflow.
type RecordingAssignmentStatus string

const (
	RecordingAssignmentPending   RecordingAssignmentStatus = "pending"
	RecordingAssignmentRecording RecordingAssignmentStatus = "recording"
	RecordingAssignmentCompleted RecordingAssignmentStatus = "completed"
	RecordingAssignmentCancelled RecordingAssignmentStatus = "cancelled"
	RecordingAssignmentFailed    RecordingAssignmentStatus = "failed"
)

// RecordingAssignment is an ephemeral directive to a receiver agent to
// capture a specific dispatched transmission.
type RecordingAssignment struct {
	ID               uint64                    `json:"id"`
	AgentID          string                    `json:"agent_id"`
	ChallengeID      string                    `json:"challenge_id"`
	TransmissionID   uint64                    `json:"transmission_id,omitempty"`
	FrequencyHz      int64                     `json:"frequency_hz"`
	AssignedAt       time.Time                 `json:"assigned_at"`
	ExpectedStart    time.Time                 `json:"expected_start"`
	ExpectedDuration time.Duration             `json:"expected_duration"`
	Status           RecordingAssignmentStatus `json:"status"`
	CancelledAt      *time.Time                `json:"cancelled_at,omitempty"`
	CompletedAt      *time.Time                `json:"completed_at,omitempty"`
}

// Recording is the historical record of a completed capture.
type Recording struct {
	ID             uint64    `json:"id"`
	ChallengeID    string    `json:"challenge_id"`
	AgentID        string    `json:"agent_id"`
	TransmissionID uint64    `json:"transmission_id,omitempty"`
	FrequencyHz    int64     `json:"frequency_hz"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
	Outcome        Outcome   `json:"outcome"`
	ImagePath      string    `json:"image_path,omitempty"`
	ImageWidth     int       `json:"image_width,omitempty"`
	ImageHeight    int       `json:"image_height,omitempty"`
	SampleRate     int       `json:"sample_rate,omitempty"`
	DurationSec    float64   `json:"duration_sec,omitempty"`
	Error          string    `json:"error,omitempty"`
}

// SystemState holds process-wide flags under a single fixed key.
type SystemState struct {
	Paused     bool   `json:"paused"`
	DailyStart string `json:"daily_start,omitempty"` // "HH:MM" in Timezone
	DailyStop  string `json:"daily_stop,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

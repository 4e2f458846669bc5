package database

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gorm.io/gorm"
)

type Binary struct {
	ID        uint   `gorm:"primaryKey"`
	Path      string `gorm:"uniqueIndex;size:512"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Arguments []Argument `gorm:"foreignKey:BinaryID;constraint:OnDelete:CASCADE"`
	Profiles  []Profile  `gorm:"foreignKey:BinaryID;constraint:OnDelete:CASCADE"`
	Instances []Instance `gorm:"foreignKey:BinaryID;constraint:OnDelete:CASCADE"`
}

type ArgumentTag struct {
	Value string `gorm:"primaryKey;size:128"`
}

// Argument is one option accepted by a binary, in help-output order.
type Argument struct {
	ID             uint    `gorm:"primaryKey"`
	BinaryID       uint    `gorm:"uniqueIndex:idx_argument_binary_long;uniqueIndex:idx_argument_binary_short"`
	LongFlag       string  `gorm:"uniqueIndex:idx_argument_binary_long;size:128"`
	ShortFlag      *string `gorm:"uniqueIndex:idx_argument_binary_short;size:32"`
	Description    string
	PossibleValues *string
	DefaultValue   *string
	Position       int

	Binary Binary         `gorm:"foreignKey:BinaryID"`
	Tags   []ArgumentTag  `gorm:"many2many:argument_tag_links;constraint:OnDelete:CASCADE"`
	Pairs  []ArgumentPair `gorm:"foreignKey:ArgumentID;constraint:OnDelete:CASCADE"`
}

func (a *Argument) TagValues() []string {
	values := make([]string, len(a.Tags))
	for i, tag := range a.Tags {
		values[i] = tag.Value
	}
	return values
}

type Profile struct {
	ID        uint   `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;size:128"`
	BinaryID  uint   `gorm:"index"`
	Args      string
	CreatedAt time.Time
	UpdatedAt time.Time

	Binary   Binary         `gorm:"foreignKey:BinaryID"`
	Pairs    []ArgumentPair `gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE"`
	Instance *Instance      `gorm:"foreignKey:ProfileID;constraint:OnDelete:CASCADE"`
}

// ArgumentPair binds a value to an argument within a profile. Position
// fixes the render order.
type ArgumentPair struct {
	ID         uint `gorm:"primaryKey"`
	ProfileID  uint `gorm:"uniqueIndex:idx_pair_profile_argument;index:idx_pair_profile_position"`
	ArgumentID uint `gorm:"uniqueIndex:idx_pair_profile_argument"`
	Value      string
	Position   int `gorm:"index:idx_pair_profile_position"`

	Argument Argument `gorm:"foreignKey:ArgumentID"`
}

type Instance struct {
	PID           int    `gorm:"column:pid;primaryKey;autoIncrement:false"`
	Command       string `gorm:"size:2048"`
	CommandHash   string `gorm:"uniqueIndex;size:64"`
	BinaryID      uint   `gorm:"index"`
	ProfileID     *uint  `gorm:"uniqueIndex"`
	EffectiveUser string
	Version       string
	SessionID     string
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Binary  Binary   `gorm:"foreignKey:BinaryID"`
	Profile *Profile `gorm:"foreignKey:ProfileID"`
	GIDs    []GID    `gorm:"foreignKey:InstancePID;constraint:OnDelete:CASCADE"`
	Tasks   []Task   `gorm:"foreignKey:InstancePID;constraint:OnDelete:CASCADE"`
}

// HashCommand is the key that keeps instance commands unique. Long command
// lines exceed the index key limits of some databases, so the hash is indexed
// instead of the command.
func HashCommand(command string) string {
	sum := sha256.Sum256([]byte(command))
	return hex.EncodeToString(sum[:])
}

func (i *Instance) BeforeSave(*gorm.DB) error {
	i.CommandHash = HashCommand(i.Command)
	return nil
}

// GID is the identifier a daemon assigned to a submitted download.
type GID struct {
	ID          string `gorm:"primaryKey;size:32"`
	InstancePID int    `gorm:"column:instance_pid;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Task *Task `gorm:"foreignKey:GIDID;constraint:OnDelete:CASCADE"`
}

const (
	TaskKindURI      = "uri"
	TaskKindTorrent  = "torrent"
	TaskKindMetalink = "metalink"
)

// Task is a download request for one instance. Kind selects which payload
// fields are meaningful: URIs for uri, Torrent plus optional URIs for
// torrent, Metalink for metalink.
type Task struct {
	ID          uint              `gorm:"primaryKey"`
	Kind        string            `gorm:"index;size:16"`
	InstancePID int               `gorm:"column:instance_pid;index"`
	GIDID       *string           `gorm:"column:gid_id;uniqueIndex;size:32"`
	SecretEnc   []byte
	Options     map[string]string `gorm:"serializer:json"`
	Position    *int
	URIs        []string          `gorm:"column:uris;serializer:json"`
	Torrent     []byte
	Metalink    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Instance Instance `gorm:"foreignKey:InstancePID"`
	GID      *GID     `gorm:"foreignKey:GIDID"`
}

func (t *Task) Submitted() bool {
	return t.GIDID != nil && *t.GIDID != ""
}

type Webhook struct {
	ID        uint `gorm:"primaryKey"`
	Name      string
	URL       string
	Events    string
	Headers   []byte
	Enabled   bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Setting struct {
	Key   string `gorm:"primaryKey;size:128"`
	Value string
}

const (
	SettingEncryptionSalt = "encryption_salt"
	SettingKeyCheck       = "encryption_key_check"
)

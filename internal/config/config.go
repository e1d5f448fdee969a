package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nasync/nasync/internal/utils"
)

type SyncDirection string

const (
	DirectionTwoWay     SyncDirection = "two-way"
	DirectionLocalToNAS SyncDirection = "local-to-nas"
	DirectionNASToLocal SyncDirection = "nas-to-local"
)

type ConflictWinner string

const (
	WinnerRemote ConflictWinner = "remote"
	WinnerLocal  ConflictWinner = "local"
)

const (
	DefaultPollInterval   = 30 * time.Second
	DefaultDebounceWindow = 500 * time.Millisecond
	DefaultMaxWorkers     = 4
	DefaultQueueSize      = 64
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".nasync", "config.json")
	DefaultStateDir   = filepath.Join(home, ".nasync")
)

// Config is the immutable run configuration of one engine instance.
// It is constructed once (by the CLI or a test) and passed by reference
// into each component.
type Config struct {
	SourceDir      string         `json:"source_dir" mapstructure:"source_dir"`
	TargetDir      string         `json:"target_dir" mapstructure:"target_dir"`
	Protocol       string         `json:"protocol" mapstructure:"protocol"`
	Direction      SyncDirection  `json:"sync_direction" mapstructure:"sync_direction"`
	SyncDeletes    bool           `json:"sync_deletes" mapstructure:"sync_deletes"`
	PollInterval   time.Duration  `json:"poll_interval" mapstructure:"poll_interval"`
	DebounceWindow time.Duration  `json:"debounce_window" mapstructure:"debounce_window"`
	ConflictWinner ConflictWinner `json:"conflict_winner" mapstructure:"conflict_winner"`
	MaxWorkers     int            `json:"max_workers" mapstructure:"max_workers"`
	QueueSize      int            `json:"queue_size" mapstructure:"queue_size"`
	StateDir       string         `json:"state_dir" mapstructure:"state_dir"`
	ControlAddr    string         `json:"control_addr" mapstructure:"control_addr"`

	SMB    SMBConfig    `json:"smb" mapstructure:"smb"`
	FTP    FTPConfig    `json:"ftp" mapstructure:"ftp"`
	NFS    NFSConfig    `json:"nfs" mapstructure:"nfs"`
	Rsync  RsyncConfig  `json:"rsync" mapstructure:"rsync"`
	WebDAV WebDAVConfig `json:"webdav" mapstructure:"webdav"`
}

type SMBConfig struct {
	Server   string `json:"server" mapstructure:"server"`
	Port     int    `json:"port" mapstructure:"port"`
	Share    string `json:"share" mapstructure:"share"`
	BasePath string `json:"base_path" mapstructure:"base_path"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
}

type FTPConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	BasePath string `json:"base_path" mapstructure:"base_path"`
}

type NFSConfig struct {
	MountPoint string `json:"mount_point" mapstructure:"mount_point"`
	BasePath   string `json:"base_path" mapstructure:"base_path"`
}

type RsyncConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	BasePath string `json:"base_path" mapstructure:"base_path"`
}

type WebDAVConfig struct {
	URL      string `json:"url" mapstructure:"url"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	BasePath string `json:"base_path" mapstructure:"base_path"`
	AuthType string `json:"auth_type" mapstructure:"auth_type"` // "basic" or "digest"
}

var validProtocols = map[string]struct{}{
	"smb":    {},
	"ftp":    {},
	"nfs":    {},
	"rsync":  {},
	"webdav": {},
}

// Validate checks required fields, resolves paths and applies defaults.
// A non-nil error is a ConfigurationError: the engine must not start.
func (c *Config) Validate() error {
	if c.SourceDir == "" {
		return errors.New("source_dir is required")
	}

	srcDir, err := utils.ResolvePath(c.SourceDir)
	if err != nil {
		return fmt.Errorf("resolve source_dir: %w", err)
	}
	if !utils.DirExists(srcDir) {
		return fmt.Errorf("source_dir does not exist or is not a directory: %s", srcDir)
	}
	c.SourceDir = srcDir

	if _, ok := validProtocols[c.Protocol]; !ok {
		return fmt.Errorf("unsupported protocol: %q (supported: smb, ftp, nfs, rsync, webdav)", c.Protocol)
	}

	switch c.Direction {
	case DirectionTwoWay, DirectionLocalToNAS, DirectionNASToLocal:
	case "":
		c.Direction = DirectionLocalToNAS
	default:
		return fmt.Errorf("unsupported sync_direction: %q", c.Direction)
	}

	switch c.ConflictWinner {
	case WinnerRemote, WinnerLocal:
	case "":
		c.ConflictWinner = WinnerRemote
	default:
		return fmt.Errorf("unsupported conflict_winner: %q", c.ConflictWinner)
	}

	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.DebounceWindow <= 0 {
		c.DebounceWindow = DefaultDebounceWindow
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	stateDir, err := utils.ResolvePath(c.StateDir)
	if err != nil {
		return fmt.Errorf("resolve state_dir: %w", err)
	}
	c.StateDir = stateDir

	return c.validateBackend()
}

// validateBackend checks the selected backend's required fields and applies
// its defaults. target_dir is the fallback remote base path when the
// backend's own base_path is unset.
func (c *Config) validateBackend() error {
	switch c.Protocol {
	case "smb":
		if c.SMB.Server == "" || c.SMB.Share == "" {
			return errors.New("smb.server and smb.share are required")
		}
		if c.SMB.Port <= 0 {
			c.SMB.Port = 445
		}
		if c.SMB.BasePath == "" {
			c.SMB.BasePath = c.TargetDir
		}
	case "ftp":
		if c.FTP.Host == "" {
			return errors.New("ftp.host is required")
		}
		if c.FTP.Port <= 0 {
			c.FTP.Port = 21
		}
		if c.FTP.BasePath == "" {
			c.FTP.BasePath = c.TargetDir
		}
	case "nfs":
		if c.NFS.MountPoint == "" {
			return errors.New("nfs.mount_point is required")
		}
		if c.NFS.BasePath == "" {
			c.NFS.BasePath = c.TargetDir
		}
	case "rsync":
		if c.Rsync.Host == "" {
			return errors.New("rsync.host is required")
		}
		if c.Rsync.Port <= 0 {
			c.Rsync.Port = 22
		}
		if c.Rsync.BasePath == "" {
			c.Rsync.BasePath = c.TargetDir
		}
	case "webdav":
		if c.WebDAV.URL == "" {
			return errors.New("webdav.url is required")
		}
		if c.WebDAV.AuthType == "" {
			c.WebDAV.AuthType = "basic"
		}
		if c.WebDAV.BasePath == "" {
			c.WebDAV.BasePath = c.TargetDir
		}
	}
	return nil
}

// StatePath is the durable sync state file for this run.
func (c *Config) StatePath() string {
	return filepath.Join(c.StateDir, "state.json")
}

// HistoryPath is the sqlite transfer history database.
func (c *Config) HistoryPath() string {
	return filepath.Join(c.StateDir, "history.db")
}

// LogPath is the default engine log file.
func (c *Config) LogPath() string {
	return filepath.Join(c.StateDir, "logs", "nasync.log")
}

// PollsRemote reports whether the configured direction needs
// remote-initiated change detection.
func (c *Config) PollsRemote() bool {
	return c.Direction == DirectionTwoWay || c.Direction == DirectionNASToLocal
}

// WatchesLocal reports whether local changes propagate anywhere.
func (c *Config) WatchesLocal() bool {
	return c.Direction == DirectionTwoWay || c.Direction == DirectionLocalToNAS
}

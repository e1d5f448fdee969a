package protocol

import (
	"fmt"

	"github.com/nasync/nasync/internal/config"
)

// New builds the adapter for the configured backend.
func New(cfg *config.Config) (Adapter, error) {
	switch cfg.Protocol {
	case "smb":
		return NewSMBAdapter(&cfg.SMB), nil
	case "ftp":
		return NewFTPAdapter(&cfg.FTP), nil
	case "nfs":
		return NewNFSAdapter(&cfg.NFS), nil
	case "rsync":
		return NewRsyncAdapter(&cfg.Rsync), nil
	case "webdav":
		return NewWebDAVAdapter(&cfg.WebDAV)
	default:
		return nil, fmt.Errorf("unsupported protocol: %q", cfg.Protocol)
	}
}

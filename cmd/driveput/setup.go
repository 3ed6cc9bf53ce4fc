package main

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/driveput/driveput"
	"github.com/driveput/driveput/internal/config"
	"github.com/driveput/driveput/local"
	"github.com/driveput/driveput/onedrive"
	"github.com/driveput/driveput/token"
	"github.com/driveput/driveput/webdav"
)

// onedriveScopes is the minimal scope set for uploads plus silent refresh.
var onedriveScopes = []string{"offline_access", "Files.ReadWrite.All"}

// httpClient returns the shared transport. No client-level timeout: chunk
// PUTs stream large bodies, and per-call contexts bound everything else.
func httpClient() *http.Client {
	return &http.Client{}
}

// buildBackend constructs the configured provider and its credential source.
func buildBackend(cfg *config.Config, logger *slog.Logger) (driveput.Backend, driveput.CredentialSource, error) {
	switch cfg.Backend {
	case "onedrive":
		opts := []onedrive.ClientOption{
			onedrive.WithLogger(logger),
			onedrive.WithHTTPClient(httpClient()),
		}

		if cfg.OneDrive.BaseURL != "" {
			opts = append(opts, onedrive.WithBaseURL(cfg.OneDrive.BaseURL))
		}

		if cfg.OneDrive.ChunkSizeMiB > 0 {
			opts = append(opts, onedrive.WithChunkSize(cfg.OneDrive.ChunkSizeMiB*1024*1024))
		}

		exch := token.NewMicrosoftExchanger(cfg.OneDrive.ClientID, cfg.OneDrive.RefreshToken, onedriveScopes)

		return onedrive.NewClient(opts...), token.NewManager(exch, logger), nil

	case "webdav":
		client := webdav.NewClient(cfg.WebDAV.URL,
			webdav.WithLogger(logger),
			webdav.WithHTTPClient(httpClient()),
		)

		return client, token.BasicAuth(cfg.WebDAV.Username, cfg.WebDAV.Password), nil

	case "local":
		return local.New(cfg.Local.Root, local.WithLogger(logger)), token.Static("", logger), nil

	default:
		return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

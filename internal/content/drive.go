package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type DriveConfig struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
}

// DriveSource downloads files by Drive file id. The access token is
// refreshed from the stored refresh token as needed.
type DriveSource struct {
	srv *drive.Service
}

func NewDriveSource(ctx context.Context, cfg DriveConfig) (*DriveSource, error) {
	if cfg.RefreshToken == "" {
		return nil, errors.New("drive: refresh token is required")
	}
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       []string{drive.DriveReadonlyScope},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
	client := oc.Client(ctx, &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return newDriveSource(ctx, client)
}

func newDriveSource(ctx context.Context, client *http.Client, opts ...option.ClientOption) (*DriveSource, error) {
	opts = append([]option.ClientOption{option.WithHTTPClient(client)}, opts...)
	srv, err := drive.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("drive: %w", err)
	}
	return &DriveSource{srv: srv}, nil
}

func (d *DriveSource) Open(ctx context.Context, fileID string) (io.ReadCloser, error) {
	resp, err := d.srv.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: drive file %s", ErrNotFound, fileID)
		}
		return nil, err
	}
	return resp.Body, nil
}

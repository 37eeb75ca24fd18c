package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/dustin/go-humanize"
)

var ErrDownloadFailure = errors.New("pipeline: could not download runtime installer")

// fetchInstaller makes sure the installer is present in the sandbox. A
// previously downloaded installer is reused.
func (r *Runner) fetchInstaller(ctx context.Context) error {
	if err := os.MkdirAll(r.config.SandboxDir, 0755); err != nil {
		return fmt.Errorf("could not create sandbox %s: %v", r.config.SandboxDir, err)
	}

	dst := r.config.InstallerPath()
	if exists(dst) {
		r.logger.Debug("installer already downloaded", "path", dst)
		return nil
	}

	src, err := url.JoinPath(r.config.InstallerURL, r.config.InstallerName)
	if err != nil {
		return fmt.Errorf("%w: invalid installer url: %v", ErrDownloadFailure, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailure, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDownloadFailure, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: GET %s: %s", ErrDownloadFailure, src, resp.Status)
	}

	f, err := os.CreateTemp(r.config.SandboxDir, r.config.InstallerName+".*.part")
	if err != nil {
		return fmt.Errorf("could not create installer file: %v", err)
	}
	defer os.Remove(f.Name())

	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrDownloadFailure, src, err)
	}

	if err := os.Rename(f.Name(), dst); err != nil {
		return fmt.Errorf("could not move installer into place: %v", err)
	}
	r.logger.Info("downloaded installer", "url", src, "size", humanize.Bytes(uint64(n)))
	return nil
}

// Package fetch downloads prebuilt archives into the prefix directory and
// verifies them against recorded BLAKE3 checksums.
package fetch

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"lukechampine.com/blake3"

	"zforge/internal/logging"
)

// Client downloads files over HTTP. Downloads land on a temporary path and
// are renamed into place only after completing, so an interrupted fetch
// never leaves a truncated archive behind.
type Client struct {
	Logger *slog.Logger
	HTTP   *http.Client
	// Progress enables a terminal progress bar during downloads.
	Progress bool
}

// Download fetches url into dest.
func (c *Client) Download(ctx context.Context, url, dest string) error {
	logger := logging.Ensure(c.Logger).With("url", url, "dest", dest)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create download directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}

	tmp := dest + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}

	logger.Info("downloading prebuilt archive", "size", resp.ContentLength)
	var w io.Writer = out
	if c.Progress {
		bar := progressbar.DefaultBytes(resp.ContentLength, filepath.Base(dest))
		w = io.MultiWriter(out, bar)
	}

	if _, err := io.Copy(w, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("move download into place: %w", err)
	}
	logger.Info("download complete")
	return nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 30 * time.Minute}
}

// SumFile returns the path of the checksum record expected beside an archive.
func SumFile(archive string) string {
	return archive + ".b3"
}

// Verify checks path against the hex BLAKE3 digest stored in sumPath. A
// missing checksum record is not an error; it reports verified=false so the
// caller can decide whether to trust the archive.
func Verify(path, sumPath string) (bool, error) {
	raw, err := os.ReadFile(sumPath)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checksum record %s: %w", sumPath, err)
	}

	want := strings.TrimSpace(string(raw))
	if i := strings.IndexAny(want, " \t"); i > 0 {
		want = want[:i]
	}

	got, err := hashFile(path)
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(got, want) {
		return false, fmt.Errorf("checksum mismatch for %s: have %s, want %s", path, got, want)
	}
	return true, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := blake3.New(32, nil)
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

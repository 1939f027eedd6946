// Package steamclient wraps the steamcmd binary and the public
// api.steamcmd.net buildid lookup, grounded in the exec-wrapping idiom the
// teacher uses for its own external binaries (docker/podman) and in the
// download/"app_update" invocation shape of a SteamCMD helper found in the
// retrieval pack's other-examples material.
package steamclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"time"

	"github.com/TheKrystalShip/KGSM-sub003/kgsmerr"
)

const component = "steamclient"

// Client drives steamcmd and the buildid API for one host.
type Client struct {
	// BinaryPath is the resolved path to steamcmd.sh (or steamcmd on PATH).
	BinaryPath string
	HTTPClient *http.Client
}

func New(binaryPath string) *Client {
	return &Client{
		BinaryPath: binaryPath,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type buildIDResponse struct {
	Data map[string]struct {
		Depots struct {
			Branches map[string]struct {
				BuildID string `json:"buildid"`
			} `json:"branches"`
		} `json:"depots"`
	} `json:"data"`
}

// LatestBuildID queries api.steamcmd.net for appID's public-branch buildid,
// the value C8's version tracker treats as the latest Steam version.
func (c *Client) LatestBuildID(ctx context.Context, appID int) (string, error) {
	url := fmt.Sprintf("https://api.steamcmd.net/v1/info/%d", appID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", kgsmerr.Wrap(kgsmerr.Invalid, component, "building buildid request", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", kgsmerr.Wrap(kgsmerr.Upstream, component, "querying steamcmd buildid API", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", kgsmerr.New(kgsmerr.Upstream, component, fmt.Sprintf("buildid API returned %d for app %d", resp.StatusCode, appID))
	}

	var parsed buildIDResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", kgsmerr.Wrap(kgsmerr.Upstream, component, "decoding buildid response", err)
	}
	appData, ok := parsed.Data[strconv.Itoa(appID)]
	if !ok {
		return "", kgsmerr.New(kgsmerr.Upstream, component, fmt.Sprintf("no buildid data for app %d", appID))
	}
	buildID := appData.Depots.Branches["public"].BuildID
	if buildID == "" {
		return "", kgsmerr.New(kgsmerr.Upstream, component, fmt.Sprintf("no public branch buildid for app %d", appID))
	}
	return buildID, nil
}

// Download runs steamcmd to fetch appID into destDir. An empty username
// uses anonymous login; otherwise username/password authenticate the
// account (spec §4.4: required when is_steam_account_required=1).
func (c *Client) Download(ctx context.Context, appID int, destDir, username, password string) error {
	login := []string{"+login", "anonymous"}
	if username != "" {
		login = []string{"+login", username, password}
	}

	args := append([]string{
		"+force_install_dir", destDir,
	}, login...)
	args = append(args,
		"+app_update", strconv.Itoa(appID), "validate",
		"+quit",
	)

	cmd := exec.CommandContext(ctx, c.BinaryPath, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return kgsmerr.Wrap(kgsmerr.Upstream, component, fmt.Sprintf("steamcmd app_update %d failed: %s", appID, string(out)), err)
	}
	return nil
}

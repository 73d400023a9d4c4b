package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultAPIURL = "https://api.github.com"

// ErrNoRelease means the source has no usable release (no matching asset or
// no parsable version).
var ErrNoRelease = errors.New("no usable release")

// Release is a published build with a downloadable asset.
type Release struct {
	Version     string    `json:"version"`
	Tag         string    `json:"tag"`
	DownloadURL string    `json:"download_url"`
	Notes       string    `json:"notes,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// Source supplies candidate releases.
type Source interface {
	FetchLatest(ctx context.Context) (Release, error)
	FetchAll(ctx context.Context, limit int) ([]Release, error)
}

// GitHubSource reads releases of Repo ("owner/name") and picks the asset
// named Asset (case-insensitive). Drafts and prereleases are skipped.
type GitHubSource struct {
	Repo   string
	Asset  string
	APIURL string // default https://api.github.com
	Token  string // optional bearer token
	Client *http.Client
}

type ghAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type ghRelease struct {
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	Draft       bool      `json:"draft"`
	Prerelease  bool      `json:"prerelease"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []ghAsset `json:"assets"`
}

func (g *GitHubSource) FetchLatest(ctx context.Context) (Release, error) {
	var r ghRelease
	if err := g.get(ctx, "/releases/latest", &r); err != nil {
		return Release{}, err
	}
	rel, ok := g.convert(r)
	if !ok {
		return Release{}, fmt.Errorf("%w: latest release %q of %s", ErrNoRelease, r.TagName, g.Repo)
	}
	return rel, nil
}

func (g *GitHubSource) FetchAll(ctx context.Context, limit int) ([]Release, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	var rs []ghRelease
	if err := g.get(ctx, fmt.Sprintf("/releases?per_page=%d", limit), &rs); err != nil {
		return nil, err
	}
	out := make([]Release, 0, len(rs))
	for _, r := range rs {
		if rel, ok := g.convert(r); ok {
			out = append(out, rel)
		}
	}
	SortNewestFirst(out)
	return out, nil
}

func (g *GitHubSource) convert(r ghRelease) (Release, bool) {
	if r.Draft || r.Prerelease {
		return Release{}, false
	}
	v := NormalizeVersion(r.TagName)
	if canonical(v) == "" {
		return Release{}, false
	}
	for _, a := range r.Assets {
		if strings.EqualFold(a.Name, g.Asset) && a.BrowserDownloadURL != "" {
			return Release{
				Version:     v,
				Tag:         strings.TrimSpace(r.TagName),
				DownloadURL: a.BrowserDownloadURL,
				Notes:       r.Body,
				PublishedAt: r.PublishedAt,
			}, true
		}
	}
	return Release{}, false
}

func (g *GitHubSource) client() *http.Client {
	if g.Client != nil {
		return g.Client
	}
	return &http.Client{Timeout: 20 * time.Second}
}

func (g *GitHubSource) get(ctx context.Context, path string, into any) error {
	if g.Repo == "" {
		return errors.New("release source: repository not configured")
	}
	base := strings.TrimRight(g.APIURL, "/")
	if base == "" {
		base = DefaultAPIURL
	}
	u := fmt.Sprintf("%s/repos/%s%s", base, g.Repo, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", "agentmgr")
	if g.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.Token)
	}
	resp, err := g.client().Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", u, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetch %s: status %d: %s", u, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		return fmt.Errorf("decode %s: %w", u, err)
	}
	return nil
}

// ResolveRelease finds the release for version in src; "" or "latest" means
// the newest one.
func ResolveRelease(ctx context.Context, src Source, version string) (Release, error) {
	if version == "" || strings.EqualFold(version, "latest") {
		return src.FetchLatest(ctx)
	}
	want := NormalizeVersion(version)
	all, err := src.FetchAll(ctx, 100)
	if err != nil {
		return Release{}, err
	}
	for _, r := range all {
		if r.Version == want {
			return r, nil
		}
	}
	return Release{}, fmt.Errorf("%w: version %s", ErrNoRelease, want)
}

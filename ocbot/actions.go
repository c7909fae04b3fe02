package ocbot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"
)

const (
	githubContentTypeFile = "file"
	actionFileExtension   = ".gif"
	githubUserAgent       = "ocbot"
	githubErrorBodyLimit  = 512
)

var (
	ErrUnknownAction    = errors.New("unknown action")
	ErrActionsDisabled  = errors.New("no actions repository configured")
	actionKeyStripRegex = regexp.MustCompile(`[_\-\s\d]+`)
)

// actionKey returns the action name for a GIF file name: the name
// without its extension, with digits, underscores, dashes and
// whitespace removed, lowercased. "hug_2.gif" and "Hug-01.gif" are
// both "hug".
func actionKey(fileName string) string {
	ext := path.Ext(fileName)
	base := strings.TrimSuffix(fileName, ext)
	return strings.ToLower(actionKeyStripRegex.ReplaceAllString(base, ""))
}

// githubContent is an entry from the GitHub repository contents API
type githubContent struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Type string `json:"type"`
}

// Actions maps action names to GIFs in a GitHub repository. The
// repository listing is cached for ActionsConfig.CacheTTL. A failed
// listing is cached as empty, so the API isn't hammered while it's
// unavailable.
type Actions struct {
	config     *ActionsConfig
	httpClient *http.Client
	logger     *slog.Logger

	files     []string
	fetchedAt time.Time
	mu        sync.Mutex

	now func() time.Time
}

func newActions(config *ActionsConfig, httpClient *http.Client, logger *slog.Logger) *Actions {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Actions{
		config:     config,
		httpClient: httpClient,
		logger:     logger,
		now:        time.Now,
	}
}

func (a *Actions) Enabled() bool {
	return a.config.Repo != ""
}

// listFiles returns the file names in the configured repository
// directory, using the cache when fresh
func (a *Actions) listFiles(ctx context.Context) []string {
	if !a.Enabled() {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	if a.files != nil && now.Sub(a.fetchedAt) < a.config.CacheTTL {
		return a.files
	}

	files, err := a.fetchFiles(ctx)
	if err != nil {
		a.logger.ErrorContext(
			ctx,
			"error listing repository files",
			"repo", a.config.Repo,
			tint.Err(err),
		)
		files = []string{}
	}
	a.files = files
	a.fetchedAt = now
	return files
}

func (a *Actions) contentsURL() string {
	u := strings.TrimSuffix(a.config.APIURL, "/") + "/repos/" + a.config.Repo + "/contents/"
	if a.config.Path != "" {
		u += strings.Trim(a.config.Path, "/")
	}
	if a.config.Branch != "" {
		u += "?ref=" + url.QueryEscape(a.config.Branch)
	}
	return u
}

func (a *Actions) fetchFiles(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.contentsURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", githubUserAgent)
	req.Header.Set("Accept", "application/vnd.github+json")
	if a.config.Token != "" {
		req.Header.Set("Authorization", "token "+a.config.Token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, githubErrorBodyLimit))
		return nil, fmt.Errorf("github returned %s: %s", resp.Status, string(body))
	}

	var contents []githubContent
	if err = json.NewDecoder(resp.Body).Decode(&contents); err != nil {
		return nil, fmt.Errorf("error decoding github response: %w", err)
	}
	files := make([]string, 0, len(contents))
	for _, c := range contents {
		if c.Type == githubContentTypeFile {
			files = append(files, c.Name)
		}
	}
	return files, nil
}

// Map returns action names mapped to their GIF file names
func (a *Actions) Map(ctx context.Context) map[string][]string {
	actions := map[string][]string{}
	for _, name := range a.listFiles(ctx) {
		if !strings.EqualFold(path.Ext(name), actionFileExtension) {
			continue
		}
		key := actionKey(name)
		if key == "" {
			continue
		}
		actions[key] = append(actions[key], name)
	}
	return actions
}

// Names returns the sorted list of available action names
func (a *Actions) Names(ctx context.Context) []string {
	actions := a.Map(ctx)
	names := make([]string, 0, len(actions))
	for name := range actions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// rawURL returns the download URL for a file in the repository
func (a *Actions) rawURL(fileName string) string {
	p := fileName
	if a.config.Path != "" {
		p = strings.Trim(a.config.Path, "/") + "/" + fileName
	}
	return fmt.Sprintf(
		"%s/%s/%s/%s",
		strings.TrimSuffix(a.config.RawURL, "/"),
		a.config.Repo,
		a.config.Branch,
		(&url.URL{Path: p}).EscapedPath(),
	)
}

// GIF returns the URL of a random GIF for the named action
func (a *Actions) GIF(ctx context.Context, action string) (string, error) {
	if !a.Enabled() {
		return "", ErrActionsDisabled
	}
	files := a.Map(ctx)[strings.ToLower(action)]
	if len(files) == 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return a.rawURL(files[rand.Intn(len(files))]), nil
}

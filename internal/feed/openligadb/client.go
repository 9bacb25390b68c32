// Package openligadb reads finished match results from the OpenLigaDB JSON API
// and writes them into match storage.
package openligadb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "matchsync/pkg/logx"
)

const DefaultBaseURL = "https://api.openligadb.de"

// ErrStatus wraps non-2xx responses.
var ErrStatus = errors.New("unexpected feed status")

type Config struct {
	BaseURL    string
	Timeout    time.Duration
	RatePerSec float64
	Burst      int
	UserAgent  string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = 15 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 2
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.UserAgent == "" {
		c.UserAgent = "matchsync/1.0"
	}
	return c
}

// Team is a participant as the feed reports it.
type Team struct {
	TeamID   int64  `json:"teamId"`
	TeamName string `json:"teamName"`
}

type MatchResult struct {
	ResultName  string `json:"resultName"`
	PointsTeam1 int    `json:"pointsTeam1"`
	PointsTeam2 int    `json:"pointsTeam2"`
}

// Matchdata is one fixture of a league season.
type Matchdata struct {
	MatchID          int64         `json:"matchID"`
	MatchDateTimeUTC time.Time     `json:"matchDateTimeUTC"`
	Team1            Team          `json:"team1"`
	Team2            Team          `json:"team2"`
	MatchIsFinished  bool          `json:"matchIsFinished"`
	MatchResults     []MatchResult `json:"matchResults"`
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg Config, log logx.Logger) *Client {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:     log,
	}
}

// SetRate changes request pacing in place. Non-positive values are ignored.
func (c *Client) SetRate(perSec float64, burst int) {
	if perSec > 0 {
		c.limiter.SetLimit(rate.Limit(perSec))
	}
	if burst > 0 {
		c.limiter.SetBurst(burst)
	}
}

// MatchdataByLeagueSeason fetches every fixture of a league season.
func (c *Client) MatchdataByLeagueSeason(ctx context.Context, league, season string) ([]Matchdata, error) {
	league, season = strings.TrimSpace(league), strings.TrimSpace(season)
	if league == "" || season == "" {
		return nil, fmt.Errorf("league and season are required")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	u := fmt.Sprintf("%s/getmatchdata/%s/%s", c.cfg.BaseURL, url.PathEscape(league), url.PathEscape(season))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("making request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status=%d body=%s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out []Matchdata
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	c.log.Debug("feed fetched",
		logx.String("league", league),
		logx.String("season", season),
		logx.Int("matches", len(out)),
		logx.Duration("took", time.Since(start)),
	)
	return out, nil
}

package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "sitewatch/pkg/logx"
)

// The remote service sees at most this much diff; it grades, it does not
// re-diff.
const remoteDiffLimit = 1000

var (
	ErrUnauthorized      = errors.New("enrichment service rejected credentials")
	ErrMalformedResponse = errors.New("enrichment service returned malformed response")
)

type RemoteConfig struct {
	Endpoint string
	APIKey   string
	Model    string
	Timeout  time.Duration // default 30s
}

// Remote calls an external text-understanding service to grade a change.
type Remote struct {
	cfg    RemoteConfig
	client *http.Client
	log    logx.Logger
}

func NewRemote(cfg RemoteConfig, log logx.Logger) (*Remote, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("enrichment endpoint is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}, nil
}

type enrichRequest struct {
	Model       string `json:"model,omitempty"`
	SiteName    string `json:"site_name"`
	URL         string `json:"url"`
	ChangeType  string `json:"change_type"`
	DiffExcerpt string `json:"diff_excerpt"`
	UserContext string `json:"user_context,omitempty"`
}

type enrichResponse struct {
	Category            string   `json:"category"`
	Importance          string   `json:"importance"`
	PersonalScore       *float64 `json:"personal_importance_score"`
	KeyAspects          []string `json:"key_aspects"`
	ShouldNotify        *bool    `json:"should_notify"`
	Reasoning           string   `json:"reasoning"`
	PersonalizedSummary string   `json:"personalized_summary"`
}

func (r *Remote) Analyze(ctx context.Context, in Input) (Analysis, error) {
	diff := in.Diff
	if rs := []rune(diff); len(rs) > remoteDiffLimit {
		diff = string(rs[:remoteDiffLimit])
	}

	payload, err := json.Marshal(enrichRequest{
		Model:       r.cfg.Model,
		SiteName:    in.SiteName,
		URL:         in.URL,
		ChangeType:  "content_change",
		DiffExcerpt: diff,
		UserContext: in.UserContext,
	})
	if err != nil {
		return Analysis{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Analysis{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return Analysis{}, fmt.Errorf("enrichment call: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return Analysis{}, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return Analysis{}, fmt.Errorf("enrichment call: http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Analysis{}, fmt.Errorf("enrichment call: %w", err)
	}

	var er enrichResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return Analysis{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if !validCategory(er.Category) || !validImportance(er.Importance) {
		return Analysis{}, fmt.Errorf("%w: category=%q importance=%q",
			ErrMalformedResponse, er.Category, er.Importance)
	}

	a := Analysis{
		Category:     er.Category,
		Importance:   er.Importance,
		Score:        0.5,
		Summary:      er.PersonalizedSummary,
		KeyAspects:   er.KeyAspects,
		ShouldNotify: true,
		Reasoning:    er.Reasoning,
	}
	if er.PersonalScore != nil {
		s := *er.PersonalScore
		if s < 0 || s > 1 {
			return Analysis{}, fmt.Errorf("%w: score=%v out of range", ErrMalformedResponse, s)
		}
		a.Score = s
	}
	if er.ShouldNotify != nil {
		a.ShouldNotify = *er.ShouldNotify
	}
	return a, nil
}

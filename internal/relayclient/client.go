package relayclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DoyleJ11/gpose-together/internal/chara"
	"github.com/DoyleJ11/gpose-together/internal/nearby"
)

var ErrForbidden = errors.New("relayclient: pose belongs to another user")
var ErrNotFound = errors.New("relayclient: pose not found")

// StatusError is a non-2xx answer from the relay.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay answered %d: %s", e.Status, e.Body)
}

func (e *StatusError) Unwrap() error {
	switch e.Status {
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	}
	return nil
}

// Client talks to the relay's shared-pose endpoints. It is the nearby
// Source used by the Nearby Poses view.
type Client struct {
	base  string
	self  chara.UserID
	http  *http.Client
	mapID uint32 // 0 lists every map
	mapOf func() uint32
}

var _ nearby.Source = (*Client)(nil)

func New(baseURL string, self chara.UserID) *Client {
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		self: self,
		http: &http.Client{Timeout: 15 * time.Second},
	}
}

// OnMap narrows fetches to one map.
func (c *Client) OnMap(mapID uint32) *Client {
	cp := *c
	cp.mapID = mapID
	return &cp
}

// FollowMap narrows each fetch to whatever map mapOf reports at the time.
// The relay caps unscoped listings, so a busy map elsewhere would otherwise
// crowd out the local one.
func (c *Client) FollowMap(mapOf func() uint32) *Client {
	cp := *c
	cp.mapOf = mapOf
	return &cp
}

func (c *Client) FetchSharedPoses(ctx context.Context) ([]nearby.SharedPose, error) {
	mapID := c.mapID
	if c.mapOf != nil {
		mapID = c.mapOf()
	}
	u := c.base + "/poses"
	if mapID != 0 {
		u += "?map=" + strconv.FormatUint(uint64(mapID), 10)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var poses []nearby.SharedPose
	if err := c.do(req, http.StatusOK, &poses); err != nil {
		return nil, fmt.Errorf("fetch shared poses: %w", err)
	}
	return poses, nil
}

// Share uploads p as the local user. An empty ID creates a new pose.
func (c *Client) Share(ctx context.Context, p nearby.SharedPose) (nearby.SharedPose, error) {
	p.Uploader = c.self
	p.Payload.Producer = c.self
	body, err := json.Marshal(p)
	if err != nil {
		return nearby.SharedPose{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/poses", bytes.NewReader(body))
	if err != nil {
		return nearby.SharedPose{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	var saved nearby.SharedPose
	if err := c.do(req, http.StatusCreated, &saved); err != nil {
		return nearby.SharedPose{}, fmt.Errorf("share pose: %w", err)
	}
	return saved, nil
}

func (c *Client) Unshare(ctx context.Context, id string) error {
	u := c.base + "/poses/" + url.PathEscape(id) + "?uid=" + url.QueryEscape(c.self.UID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	if err := c.do(req, http.StatusNoContent, nil); err != nil {
		return fmt.Errorf("unshare pose %s: %w", id, err)
	}
	return nil
}

func (c *Client) do(req *http.Request, want int, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != want {
		b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

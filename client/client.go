// Package client talks to the coordinator on behalf of a worker. The session
// cookie issued at login is the worker's auth token; a 401 drops it and the
// next call logs in again.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"

	"camfleet/api"
)

const maxErrorBody = 4096

// tokenJar is a cookie jar that can be emptied while requests are in flight
type tokenJar struct {
	mutex sync.Mutex
	jar   *cookiejar.Jar
}

func newTokenJar() *tokenJar {
	jar, _ := cookiejar.New(nil)
	return &tokenJar{jar: jar}
}

func (j *tokenJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	j.jar.SetCookies(u, cookies)
}

func (j *tokenJar) Cookies(u *url.URL) []*http.Cookie {
	j.mutex.Lock()
	defer j.mutex.Unlock()
	return j.jar.Cookies(u)
}

func (j *tokenJar) clear() {
	j.mutex.Lock()
	j.jar, _ = cookiejar.New(nil)
	j.mutex.Unlock()
}

type Client struct {
	baseURL  string
	tenantID uint64
	apiKey   string

	httpClient *http.Client
	jar        *tokenJar

	loginMutex sync.Mutex
	loggedIn   bool
}

func New(baseURL string, tenantID uint64, apiKey string, timeout time.Duration) *Client {
	jar := newTokenJar()
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		tenantID:   tenantID,
		apiKey:     apiKey,
		jar:        jar,
		httpClient: &http.Client{Timeout: timeout, Jar: jar},
	}
}

// Invalidate drops the cached session, the next request logs in first
func (c *Client) Invalidate() {
	c.loginMutex.Lock()
	c.loggedIn = false
	c.loginMutex.Unlock()
	c.jar.clear()
}

func (c *Client) ensureLogin(ctx context.Context) error {
	c.loginMutex.Lock()
	defer c.loginMutex.Unlock()
	if c.loggedIn {
		return nil
	}
	body, err := json.Marshal(api.LoginRequest{TenantID: c.tenantID, APIKey: c.apiKey})
	if err != nil {
		return err
	}
	if err = c.send(ctx, "/auth/login", "application/json", bytes.NewReader(body), nil); err != nil {
		return err
	}
	c.loggedIn = true
	return nil
}

func (c *Client) send(ctx context.Context, path, contentType string, body io.Reader, out interface{}) error {
	method := http.MethodGet
	if body != nil {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// do is send behind a login, a 401 invalidates the session
func (c *Client) do(ctx context.Context, path, contentType string, body io.Reader, out interface{}) error {
	if err := c.ensureLogin(ctx); err != nil {
		if IsUnauthorized(err) {
			c.Invalidate()
		}
		return err
	}
	err := c.send(ctx, path, contentType, body, out)
	if IsUnauthorized(err) {
		c.Invalidate()
	}
	return err
}

func (c *Client) postJSON(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, path, "application/json", bytes.NewReader(body), out)
}

func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (resp api.RegisterResponse, err error) {
	err = c.postJSON(ctx, "/worker/register", req, &resp)
	return
}

func (c *Client) Heartbeat(ctx context.Context, req api.HeartbeatRequest) (resp api.HeartbeatResponse, err error) {
	err = c.postJSON(ctx, "/worker/heartbeat", req, &resp)
	return
}

func (c *Client) RequestCamera(ctx context.Context, workerID string) (resp api.Assignment, err error) {
	err = c.postJSON(ctx, "/worker/request-camera", api.WorkerRequest{WorkerID: workerID}, &resp)
	return
}

func (c *Client) Release(ctx context.Context, req api.ReleaseRequest) error {
	return c.postJSON(ctx, "/worker/release", req, nil)
}

func (c *Client) StopSignal(ctx context.Context, req api.StopSignalRequest) (resp api.StopSignalResponse, err error) {
	err = c.postJSON(ctx, "/worker/stop-signal", req, &resp)
	return
}

func (c *Client) Staff(ctx context.Context) (staff []api.StaffEmbedding, err error) {
	err = c.do(ctx, "/worker/staff", "", nil, &staff)
	return
}

// SendEvent uploads one detection, image may be empty
func (c *Client) SendEvent(ctx context.Context, event api.Event, image []byte) (resp api.EventResponse, err error) {
	meta, err := json.Marshal(event)
	if err != nil {
		return
	}
	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	if err = form.WriteField("event", string(meta)); err != nil {
		return
	}
	if len(image) > 0 {
		part, err := form.CreateFormFile("image", event.ID+".jpg")
		if err != nil {
			return resp, err
		}
		if _, err = part.Write(image); err != nil {
			return resp, err
		}
	}
	if err = form.Close(); err != nil {
		return
	}
	err = c.do(ctx, "/worker/events", form.FormDataContentType(), body, &resp)
	return
}

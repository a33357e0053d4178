package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/jobserver/internal/api/dto"
	"github.com/cuongbtq/jobserver/internal/api/handler"
)

// apiError is a non-2xx answer from the API
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("api: %d %s", e.Status, e.Message)
}

// client talks to the job API on behalf of one requester
type client struct {
	base      string
	requester string
	http      *http.Client
}

func newClient(base, requester string, timeout time.Duration) *client {
	return &client{
		base:      strings.TrimRight(base, "/"),
		requester: requester,
		http:      &http.Client{Timeout: timeout},
	}
}

func (c *client) submit(ctx context.Context, req dto.CreateJobRequest) (*dto.JobDTO, error) {
	var job dto.JobDTO
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs", req, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *client) status(ctx context.Context, id string) (*dto.JobDTO, error) {
	var job dto.JobDTO
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *client) list(ctx context.Context, q dto.ListJobsRequest) (*dto.ListJobsResponse, error) {
	v := url.Values{}
	set := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	set("owner", q.Owner)
	set("kind", q.Kind)
	set("state", q.State)
	set("cursor", q.Cursor)
	if q.PageSize > 0 {
		v.Set("page_size", fmt.Sprint(q.PageSize))
	}

	path := "/api/v1/jobs"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	var page dto.ListJobsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *client) cancel(ctx context.Context, id string) (*dto.JobDTO, error) {
	var job dto.JobDTO
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *client) delete(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/jobs/"+url.PathEscape(id), nil, nil)
}

// download copies the job artifact to w
func (c *client) download(ctx context.Context, id string, w io.Writer) error {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/artifact", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, err = io.Copy(w, resp.Body)
	return err
}

// sseEvent is one decoded server-sent event
type sseEvent struct {
	Name string
	Data string
}

// watch calls fn for each event until the stream ends or fn returns an error.
// The stream is not bound by the client timeout.
func (c *client) watch(ctx context.Context, id string, fn func(sseEvent) error) error {
	req, err := c.request(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id)+"/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	stream := &http.Client{Transport: c.http.Transport}
	resp, err := stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}

	var ev sseEvent
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if ev.Name != "" || ev.Data != "" {
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if ev.Data != "" {
				ev.Data += "\n"
			}
			ev.Data += data
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if ev.Name != "" || ev.Data != "" {
		return fn(ev)
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = strings.NewReader(string(data))
	}

	resp, err := c.send(ctx, method, path, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) send(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := c.request(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func (c *client) request(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(handler.RequesterHeader, c.requester)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	return &apiError{Status: resp.StatusCode, Message: payload.Error}
}

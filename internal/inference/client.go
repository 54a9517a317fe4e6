// Package inference talks to the keypoint estimation service.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hpungsan/lotl/internal/errors"
	"github.com/hpungsan/lotl/internal/record"
)

// DefaultTimeout bounds one request. Model runs over a batch can be slow.
const DefaultTimeout = 5 * time.Minute

// maxErrorBody caps how much of a failed response is quoted in errors.
const maxErrorBody = 512

// Result is the model output for one image, matched to records by display name.
type Result struct {
	ImageName   string             `json:"image_name"`
	BoundingBox record.BoundingBox `json:"bounding_box"`
	Keypoints   []record.Keypoint  `json:"keypoints"`
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a client for the service at baseURL. A nil httpClient
// gets DefaultTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// BaseURL returns the service URL without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// Models lists the model names the service can run.
func (c *Client) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid inference url: %v", err))
	}

	var out modelsResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Models == nil {
		out.Models = []string{}
	}
	return out.Models, nil
}

type processRequest struct {
	Paths []string `json:"paths"`
	Model string   `json:"model,omitempty"`
}

type processResponse struct {
	Message string       `json:"message"`
	Data    []wireResult `json:"data"`
	Error   string       `json:"error"`
	Details string       `json:"details"`
}

type wireResult struct {
	ImageName   string          `json:"image_name"`
	BoundingBox json.RawMessage `json:"bounding_box"`
	Keypoints   json.RawMessage `json:"keypoints"`
}

// Process runs the model over the given image paths. An empty model uses the
// service default.
func (c *Client) Process(ctx context.Context, paths []string, model string) ([]Result, error) {
	if len(paths) == 0 {
		return []Result{}, nil
	}

	body, err := json.Marshal(processRequest{Paths: paths, Model: model})
	if err != nil {
		return nil, errors.NewInternal(fmt.Errorf("marshal process request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process-images", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInvalidRequest(fmt.Sprintf("invalid inference url: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	var out processResponse
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	if out.Error != "" {
		msg := out.Error
		if out.Details != "" {
			msg += ": " + out.Details
		}
		return nil, errors.NewInferenceUnavailable(msg, nil)
	}

	results := make([]Result, 0, len(out.Data))
	for _, w := range out.Data {
		r, err := w.normalize()
		if err != nil {
			return nil, errors.NewInferenceUnavailable(
				fmt.Sprintf("malformed result for %q", w.ImageName), err)
		}
		results = append(results, r)
	}
	return results, nil
}

// do sends req and decodes a 2xx JSON body into out.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return errors.NewCancelled("inference request")
		}
		return errors.NewInferenceUnavailable(
			fmt.Sprintf("inference service unreachable at %s", c.baseURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errors.NewInferenceUnavailable(
			fmt.Sprintf("inference service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))), nil)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.NewInferenceUnavailable("decode inference response", err)
	}
	return nil
}

// normalize converts the service's loosely typed fields into record types.
func (w wireResult) normalize() (Result, error) {
	kps, err := decodeKeypoints(w.Keypoints)
	if err != nil {
		return Result{}, fmt.Errorf("keypoints: %w", err)
	}
	bb, err := decodeBoundingBox(w.BoundingBox)
	if err != nil {
		return Result{}, fmt.Errorf("bounding_box: %w", err)
	}
	return Result{ImageName: w.ImageName, BoundingBox: bb, Keypoints: kps}, nil
}

// decodeKeypoints accepts [{name|label,x,y}], [[x,y(,conf)]], or one level of
// per-detection nesting ([[[x,y]]]) of which the first detection is used.
// Array points are labeled kp0, kp1, ...
func decodeKeypoints(raw json.RawMessage) ([]record.Keypoint, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return []record.Keypoint{}, nil
	}

	var objs []struct {
		Name  string  `json:"name"`
		Label string  `json:"label"`
		X     float64 `json:"x"`
		Y     float64 `json:"y"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		kps := make([]record.Keypoint, len(objs))
		for i, o := range objs {
			label := o.Label
			if label == "" {
				label = o.Name
			}
			if label == "" {
				label = fmt.Sprintf("kp%d", i)
			}
			kps[i] = record.Keypoint{Label: label, X: o.X, Y: o.Y}
		}
		return kps, nil
	}

	var points [][]float64
	if err := json.Unmarshal(raw, &points); err == nil {
		return pointsToKeypoints(points)
	}

	var nested [][][]float64
	if err := json.Unmarshal(raw, &nested); err != nil {
		return nil, fmt.Errorf("unsupported keypoint format")
	}
	if len(nested) == 0 {
		return []record.Keypoint{}, nil
	}
	return pointsToKeypoints(nested[0])
}

func pointsToKeypoints(points [][]float64) ([]record.Keypoint, error) {
	kps := make([]record.Keypoint, len(points))
	for i, p := range points {
		if len(p) < 2 {
			return nil, fmt.Errorf("point %d has %d coordinates", i, len(p))
		}
		kps[i] = record.Keypoint{Label: fmt.Sprintf("kp%d", i), X: p[0], Y: p[1]}
	}
	return kps, nil
}

// decodeBoundingBox accepts [x1,y1,x2,y2], [] or [[x1,y1,x2,y2], ...] (first box used).
func decodeBoundingBox(raw json.RawMessage) (record.BoundingBox, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return record.BoundingBox{}, nil
	}

	var flat []float64
	if err := json.Unmarshal(raw, &flat); err != nil {
		var boxes [][]float64
		if err := json.Unmarshal(raw, &boxes); err != nil {
			return nil, fmt.Errorf("unsupported bounding box format")
		}
		if len(boxes) == 0 {
			return record.BoundingBox{}, nil
		}
		flat = boxes[0]
	}

	switch len(flat) {
	case 0:
		return record.BoundingBox{}, nil
	case 4:
		return record.BoundingBox(flat), nil
	}
	return nil, fmt.Errorf("expected 4 coordinates, got %d", len(flat))
}

package inference

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cast"

	"github.com/banshee-data/vision.feed/internal/httputil"
)

// remote speaks the JSON inference protocol of a model server:
//
//	GET  /models/{name}  200 when the model is loaded
//	POST /detect         {"model","image","conf","classes"} -> {"detections":[...]}
//	POST /track          same as /detect, detections carry "track_id"
//	POST /classify       {"model","images"} -> {"results":[...]}
//
// Images travel as base64 JPEG.
type remote struct {
	client   httputil.HTTPClient
	endpoint string
	model    string
	quality  int
}

func newRemote(client httputil.HTTPClient, endpoint, model string) remote {
	return remote{
		client:   client,
		endpoint: strings.TrimRight(endpoint, "/"),
		model:    model,
		quality:  90,
	}
}

// Check asks the server whether the model is loaded.
func (r remote) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint+"/models/"+url.PathEscape(r.model), nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("model %q: %w", r.model, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model %q not loaded: status %d", r.model, resp.StatusCode)
	}
	return nil
}

func (r remote) encode(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (r remote) post(ctx context.Context, path string, payload any) (map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, bytes.TrimSpace(data))
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}

// RemoteDetector is a Detector backed by a model server.
type RemoteDetector struct {
	remote
	path string
}

// NewRemoteDetector returns a detector calling endpoint. With tracking set
// it uses the stateful /track route.
func NewRemoteDetector(client httputil.HTTPClient, endpoint, model string, tracking bool) *RemoteDetector {
	path := "/detect"
	if tracking {
		path = "/track"
	}
	return &RemoteDetector{remote: newRemote(client, endpoint, model), path: path}
}

// Detect implements Detector.
func (d *RemoteDetector) Detect(ctx context.Context, img image.Image, opts DetectOptions) ([]Detection, error) {
	enc, err := d.encode(img)
	if err != nil {
		return nil, err
	}
	resp, err := d.post(ctx, d.path, map[string]any{
		"model":   d.model,
		"image":   enc,
		"conf":    opts.MinConfidence,
		"classes": opts.Classes,
	})
	if err != nil {
		return nil, err
	}
	return decodeDetections(resp["detections"])
}

func decodeDetections(raw any) ([]Detection, error) {
	if raw == nil {
		return nil, nil
	}
	items, err := cast.ToSliceE(raw)
	if err != nil {
		return nil, fmt.Errorf("detections: %w", err)
	}
	dets := make([]Detection, 0, len(items))
	for i, item := range items {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			return nil, fmt.Errorf("detection %d: %w", i, err)
		}
		coords, err := cast.ToSliceE(m["box"])
		if err != nil || len(coords) != 4 {
			// Malformed boxes are dropped rather than failing the cycle.
			diagf("detection %d: malformed box %v", i, m["box"])
			continue
		}
		var xy [4]int
		for j, c := range coords {
			f, err := cast.ToFloat64E(c)
			if err != nil {
				return nil, fmt.Errorf("detection %d box: %w", i, err)
			}
			xy[j] = int(f)
		}
		dets = append(dets, Detection{
			Box:        Box{X1: xy[0], Y1: xy[1], X2: xy[2], Y2: xy[3]},
			ClassID:    cast.ToInt(m["class"]),
			Confidence: cast.ToFloat64(m["confidence"]),
			TrackID:    cast.ToInt(m["track_id"]),
		})
	}
	return dets, nil
}

// RemoteClassifier is a Classifier backed by a model server.
type RemoteClassifier struct {
	remote
}

// NewRemoteClassifier returns a classifier calling endpoint.
func NewRemoteClassifier(client httputil.HTTPClient, endpoint, model string) *RemoteClassifier {
	return &RemoteClassifier{remote: newRemote(client, endpoint, model)}
}

// Classify implements Classifier.
func (c *RemoteClassifier) Classify(ctx context.Context, crops []image.Image) ([]Output, error) {
	images := make([]string, len(crops))
	for i, crop := range crops {
		enc, err := c.encode(crop)
		if err != nil {
			return nil, err
		}
		images[i] = enc
	}
	resp, err := c.post(ctx, "/classify", map[string]any{"model": c.model, "images": images})
	if err != nil {
		return nil, err
	}
	items, err := cast.ToSliceE(resp["results"])
	if err != nil {
		return nil, fmt.Errorf("results: %w", err)
	}
	outs := make([]Output, len(items))
	for i, item := range items {
		outs[i] = decodeOutput(item)
	}
	return outs, nil
}

func decodeOutput(item any) Output {
	m, err := cast.ToStringMapE(item)
	if err != nil {
		return Output{Err: fmt.Errorf("result: %w", err)}
	}
	if msg, ok := m["error"]; ok {
		return Output{Err: fmt.Errorf("%s", cast.ToString(msg))}
	}
	var out Output
	if v, ok := m["top1"]; ok {
		idx, err := cast.ToIntE(v)
		if err == nil {
			out.Top1 = &Top1{Index: idx, Confidence: cast.ToFloat64(m["top1conf"])}
		}
	}
	if v, ok := m["probs"]; ok {
		raw, err := cast.ToSliceE(v)
		if err == nil {
			out.Probs = make([]float64, 0, len(raw))
			for _, p := range raw {
				out.Probs = append(out.Probs, cast.ToFloat64(p))
			}
		}
	}
	return out
}

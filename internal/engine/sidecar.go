package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// The CNN runtime lives in an inference sidecar on the same box; the server
// talks to it over loopback HTTP. The sidecar owns the frameworks and their
// non-reentrant sessions; the engine's gate guarantees it sees one request
// at a time.

const sidecarTimeout = 10 * time.Second

// DefaultSidecarAddr is where the stock sidecar listens.
const DefaultSidecarAddr = "http://127.0.0.1:50052"

type sidecarClient struct {
	base    string
	http    *http.Client
	breaker breaker
}

// NewSidecarModelSet verifies the model files, asks the sidecar to load
// them, and returns a ModelSet backed by the sidecar. Any failure here is a
// fatal startup error.
func NewSidecarModelSet(addr, detectorPath, recognizerPath, antiSpoofPath string) (ModelSet, error) {
	if addr == "" {
		addr = DefaultSidecarAddr
	}
	if err := VerifyModelFiles(detectorPath, recognizerPath, antiSpoofPath); err != nil {
		return ModelSet{}, err
	}
	c := &sidecarClient{base: addr, http: &http.Client{Timeout: sidecarTimeout}}
	req := struct {
		Detector   string `json:"detector"`
		Recognizer string `json:"recognizer"`
		AntiSpoof  string `json:"antiSpoof"`
	}{detectorPath, recognizerPath, antiSpoofPath}
	if err := c.post("/load", req, &struct{}{}); err != nil {
		return ModelSet{}, fmt.Errorf("sidecar load: %w", err)
	}
	return ModelSet{Detector: c, Recognizer: c, AntiSpoof: c}, nil
}

type tensorPayload struct {
	Data     []float32 `json:"data"`
	Width    int       `json:"width"`
	Height   int       `json:"height"`
	Channels int       `json:"channels"`
}

func payload(t Tensor) tensorPayload {
	return tensorPayload{Data: t.Data, Width: t.Width, Height: t.Height, Channels: t.Channels}
}

func (c *sidecarClient) Detect(img Tensor) ([]Detection, error) {
	var resp struct {
		Detections []Detection `json:"detections"`
	}
	if err := c.post("/detect", payload(img), &resp); err != nil {
		return nil, err
	}
	return resp.Detections, nil
}

func (c *sidecarClient) Embed(face Tensor) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := c.post("/embed", payload(face), &resp); err != nil {
		return nil, err
	}
	return resp.Embedding, nil
}

func (c *sidecarClient) Predict(face Tensor) ([]float32, error) {
	var resp struct {
		Logits []float32 `json:"logits"`
	}
	if err := c.post("/antispoof", payload(face), &resp); err != nil {
		return nil, err
	}
	return resp.Logits, nil
}

func (c *sidecarClient) post(path string, in, out any) error {
	if err := c.breaker.allow(); err != nil {
		return err
	}
	err := c.doPost(path, in, out)
	if err != nil {
		c.breaker.failure()
		return err
	}
	c.breaker.success()
	return nil
}

func (c *sidecarClient) doPost(path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	resp, err := c.http.Post(c.base+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

package engine

import (
	"image"
	"log/slog"
	"sync"
	"time"

	"github.com/facegate/facegate/internal/gallery"
)

// Default thresholds. Detection and liveness gates are model-calibrated;
// the match threshold is deployment-tunable through Config.
const (
	DefaultDetectionThreshold = 0.6
	DefaultLivenessThreshold  = 0.30
	DefaultMatchThreshold     = 0.30
)

// Config tunes the pipeline.
type Config struct {
	DetectionThreshold    float64
	LivenessThreshold     float64
	MatchThreshold        float64
	RecognizeWithLiveness bool
}

// DefaultConfig returns the thresholds used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		DetectionThreshold:    DefaultDetectionThreshold,
		LivenessThreshold:     DefaultLivenessThreshold,
		MatchThreshold:        DefaultMatchThreshold,
		RecognizeWithLiveness: true,
	}
}

// MatchResult is the outcome of matching a probe against the gallery.
type MatchResult struct {
	Matched  bool
	EnrollID int
	Score    float64
}

// Engine wraps the networks behind one mutual-exclusion gate. The networks
// keep state between set-input and forward, so detect, anti-spoof, and
// embed never run concurrently; callers queue on the gate. Input decoding
// happens before the gate and may run in parallel.
type Engine struct {
	gate     sync.Mutex
	models   ModelSet
	gallery  *gallery.Gallery
	cfg      Config
	liveness livenessSlot
	log      *slog.Logger
}

// New builds the engine. The gallery handle is shared with the reconciler
// and router; the models are owned exclusively by the engine.
func New(models ModelSet, g *gallery.Gallery, cfg Config) *Engine {
	if cfg.DetectionThreshold == 0 {
		cfg.DetectionThreshold = DefaultDetectionThreshold
	}
	if cfg.LivenessThreshold == 0 {
		cfg.LivenessThreshold = DefaultLivenessThreshold
	}
	if cfg.MatchThreshold == 0 {
		cfg.MatchThreshold = DefaultMatchThreshold
	}
	return &Engine{models: models, gallery: g, cfg: cfg, log: slog.Default()}
}

// LatestLiveness returns the last anti-spoof measurement, or nil before the
// first liveness run. Safe for concurrent readers.
func (e *Engine) LatestLiveness() *LivenessResult {
	return e.liveness.latest()
}

// Embed decodes a transport image and produces an L2-normalized embedding.
// Every rejection (decode failure, no face, low confidence, failed
// liveness) reduces to a nil return; the pipeline is never fatal.
func (e *Engine) Embed(imageB64 string, checkLiveness bool) []float32 {
	img, err := decodeTransportImage(imageB64)
	if err != nil {
		e.log.Debug("embed: image decode rejected", "err", err)
		return nil
	}
	full := toTensor(img, false)

	e.gate.Lock()
	defer e.gate.Unlock()

	dets, err := e.models.Detector.Detect(full)
	if err != nil || len(dets) == 0 {
		e.log.Debug("embed: no face detected", "err", err)
		return nil
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Score > best.Score {
			best = d
		}
	}
	if float64(best.Score) < e.cfg.DetectionThreshold {
		e.log.Debug("embed: detection below threshold", "score", best.Score)
		return nil
	}
	box := clampBox(best, img.Bounds())
	if box.Empty() {
		e.log.Debug("embed: face box outside image")
		return nil
	}

	if checkLiveness && !e.checkLiveness(img, box) {
		return nil
	}

	face := toTensor(cropFace(img, box), false)
	emb, err := e.models.Recognizer.Embed(face)
	if err != nil || len(emb) == 0 {
		e.log.Debug("embed: recognizer failed", "err", err)
		return nil
	}
	return l2Normalize(emb)
}

// checkLiveness runs the anti-spoof network on the widened context crop and
// publishes the result to the telemetry slot. Called under the gate.
func (e *Engine) checkLiveness(img image.Image, box image.Rectangle) bool {
	ctxBox := contextBox(box, img.Bounds())
	if ctxBox.Empty() {
		e.log.Debug("liveness: context box outside image")
		return false
	}
	crop := toTensor(cropFace(img, ctxBox), true)

	started := time.Now()
	logits, err := e.models.AntiSpoof.Predict(crop)
	if err != nil || len(logits) < 2 {
		e.log.Debug("liveness: anti-spoof failed", "err", err)
		return false
	}
	probs := softmax(logits)
	result := LivenessResult{
		Score:  float64(logits[1]),
		Prob:   probs[1],
		TimeMs: time.Since(started).Milliseconds(),
		At:     time.Now(),
	}
	e.liveness.publish(result)

	if result.Prob < e.cfg.LivenessThreshold {
		e.log.Debug("liveness: rejected", "prob", result.Prob)
		return false
	}
	return true
}

// Match embeds the probe (with liveness when configured) and scans the
// gallery for the nearest neighbor by cosine similarity.
func (e *Engine) Match(imageB64 string) MatchResult {
	emb := e.Embed(imageB64, e.cfg.RecognizeWithLiveness)
	if emb == nil {
		return MatchResult{}
	}

	bestID, bestScore := 0, -1.0
	e.gallery.Range(func(id int, candidate []float32) bool {
		if s := Cosine(emb, candidate); s > bestScore {
			bestID, bestScore = id, s
		}
		return true
	})
	if bestScore < 0 {
		return MatchResult{}
	}
	e.log.Debug("best match", "enroll_id", bestID, "score", bestScore)
	return MatchResult{
		Matched:  bestScore > e.cfg.MatchThreshold,
		EnrollID: bestID,
		Score:    bestScore,
	}
}

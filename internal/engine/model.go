// Package engine runs the face pipeline: detect, anti-spoof, embed, and
// cosine nearest-neighbor over the gallery. The neural networks themselves
// are opaque backends behind the interfaces below; the engine owns the
// preprocessing, the thresholds, and the single-flight gate.
package engine

import (
	"fmt"
	"os"
)

// Detection is one candidate face box with its confidence score.
type Detection struct {
	// Box is (x, y, w, h) in pixel coordinates of the input image.
	X, Y, W, H int
	Score      float32
}

// Tensor is a preprocessed image plane handed to a network: HWC float32,
// values already normalized by the engine.
type Tensor struct {
	Data          []float32
	Width, Height int
	Channels      int
}

// Detector finds candidate faces in a full image tensor.
type Detector interface {
	Detect(img Tensor) ([]Detection, error)
}

// Recognizer turns an aligned 112x112 face tensor into an embedding.
// The output length is model-dictated (128 for some backends, more for
// others); the engine L2-normalizes it.
type Recognizer interface {
	Embed(face Tensor) ([]float32, error)
}

// AntiSpoof scores a 112x112 context crop. The output is raw logits;
// after softmax, index 1 is the probability the face is live.
type AntiSpoof interface {
	Predict(face Tensor) ([]float32, error)
}

// ModelSet bundles the three networks. The networks keep state between
// set-input and forward, so calls are never concurrent; the engine's gate
// enforces that.
type ModelSet struct {
	Detector   Detector
	Recognizer Recognizer
	AntiSpoof  AntiSpoof
}

// VerifyModelFiles checks that all three model files exist, so a missing
// file fails at startup rather than on the first scan.
func VerifyModelFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("model file %s: %w", p, err)
		}
	}
	return nil
}

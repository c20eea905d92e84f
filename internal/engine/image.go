package engine

import (
	"bytes"
	"encoding/base64"
	"errors"
	"image"
	_ "image/jpeg" // device captures are JPEG or PNG
	_ "image/png"

	"github.com/anthonynsimon/bild/transform"
)

// faceInputSize is the side length the recognizer and anti-spoof networks
// take as input.
const faceInputSize = 112

// livenessContextScale widens the face box before the anti-spoof crop so
// the network sees background context around the face.
const livenessContextScale = 2.7

var errEmptyImage = errors.New("empty image")

// decodeTransportImage decodes the base-64 compressed image a device sends.
func decodeTransportImage(b64 string) (image.Image, error) {
	if b64 == "" {
		return nil, errEmptyImage
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, errEmptyImage
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return nil, errEmptyImage
	}
	return img, nil
}

// clampBox clips a detection box to the image bounds. The returned box may
// have zero area, which callers treat as a rejection.
func clampBox(d Detection, bounds image.Rectangle) image.Rectangle {
	r := image.Rect(d.X, d.Y, d.X+d.W, d.Y+d.H)
	return r.Intersect(bounds)
}

// contextBox grows the face box around its center by livenessContextScale
// and clips it to the image bounds.
func contextBox(face image.Rectangle, bounds image.Rectangle) image.Rectangle {
	cx := (face.Min.X + face.Max.X) / 2
	cy := (face.Min.Y + face.Max.Y) / 2
	halfW := int(float64(face.Dx()) * livenessContextScale / 2)
	halfH := int(float64(face.Dy()) * livenessContextScale / 2)
	return image.Rect(cx-halfW, cy-halfH, cx+halfW, cy+halfH).Intersect(bounds)
}

// cropFace cuts the box out of the image and resizes it to the network
// input size.
func cropFace(img image.Image, box image.Rectangle) *image.RGBA {
	crop := transform.Crop(img, box)
	return transform.Resize(crop, faceInputSize, faceInputSize, transform.Linear)
}

// toTensor flattens an image into HWC float32 normalized to [0,1].
// swapChannels emits BGR ordering, which the anti-spoof network expects.
func toTensor(img image.Image, swapChannels bool) Tensor {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	data := make([]float32, 0, w*h*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			rf := float32(r>>8) / 255
			gf := float32(g>>8) / 255
			bf := float32(bl>>8) / 255
			if swapChannels {
				data = append(data, bf, gf, rf)
			} else {
				data = append(data, rf, gf, bf)
			}
		}
	}
	return Tensor{Data: data, Width: w, Height: h, Channels: 3}
}

// Package dlib implements faces.Detector on top of go-face (dlib). It needs cgo and the dlib models.
package dlib

import (
	"sync"

	"camfleet/faces"

	"github.com/Kagami/go-face"
)

// Recognizer is the dlib backed faces.Detector. dlib is not thread safe, calls are serialised.
type Recognizer struct {
	mutex      sync.Mutex
	recognizer *face.Recognizer
	useCNN     bool
}

func New(modelsDir string, useCNN bool) (*Recognizer, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, err
	}
	return &Recognizer{recognizer: rec, useCNN: useCNN}, nil
}

func (r *Recognizer) Detect(jpeg []byte) ([]faces.Detection, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var (
		found []face.Face
		err   error
	)
	if r.useCNN {
		found, err = r.recognizer.RecognizeCNN(jpeg)
	} else {
		found, err = r.recognizer.Recognize(jpeg)
	}
	if err != nil {
		return nil, err
	}
	result := make([]faces.Detection, 0, len(found))
	for _, f := range found {
		desc := [faces.EmbeddingSize]float32(f.Descriptor)
		result = append(result, faces.Detection{
			Rect:       f.Rectangle,
			Landmarks:  f.Shapes,
			Confidence: 1, // dlib does not report a score for HOG/CNN hits
			Embedding:  desc[:],
		})
	}
	return result, nil
}

func (r *Recognizer) Close() {
	r.mutex.Lock()
	r.recognizer.Close()
	r.mutex.Unlock()
}

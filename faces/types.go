package faces

import "image"

const EmbeddingSize = 128

type (
	Embedding []float32
	// Detection is one face found in a frame
	Detection struct {
		Rect       image.Rectangle
		Landmarks  []image.Point
		Confidence float32
		Embedding  Embedding
	}
)

// Detector finds faces in an encoded (JPEG) frame
type Detector interface {
	Detect(jpeg []byte) ([]Detection, error)
	Close()
}

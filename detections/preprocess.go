package detections

import (
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
)

// Preprocessor turns images into normalised CHW float32 tensors.
type Preprocessor struct {
	numWorkers int
	bufferPool sync.Pool
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		numWorkers: runtime.GOMAXPROCS(0),
	}
}

// Resize stretches img to size x size, the way the model was fed during export.
func (p *Preprocessor) Resize(img image.Image, size int) *image.NRGBA {
	return imaging.Resize(img, size, size, imaging.Linear)
}

// Process writes the normalised planes of a size x size image into dst, which
// must hold 3*size*size values.
func (p *Preprocessor) Process(img *image.NRGBA, size int, dst []float32) {
	buffer := p.getBuffer(size)
	defer p.bufferPool.Put(buffer)

	p.processParallel(img, size, *buffer)
	copy(dst, *buffer)
}

func (p *Preprocessor) getBuffer(size int) *[]float32 {
	n := 3 * size * size
	if b, ok := p.bufferPool.Get().(*[]float32); ok && cap(*b) >= n {
		*b = (*b)[:n]
		return b
	}
	b := make([]float32, n)
	return &b
}

func (p *Preprocessor) processParallel(img *image.NRGBA, size int, buffer []float32) {
	channelSize := size * size
	workers := p.numWorkers
	if workers < 1 {
		workers = 1
	}
	if workers > size {
		workers = size
	}
	rowsPerWorker := size / workers

	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		startRow := w * rowsPerWorker
		endRow := (w + 1) * rowsPerWorker
		if w == workers-1 {
			endRow = size
		}

		go func(start, end int) {
			defer wg.Done()
			for y := start; y < end; y++ {
				src := img.Pix[y*img.Stride:]
				offset := y * size
				for x := 0; x < size; x++ {
					i := offset + x
					buffer[i] = float32(src[x*4]) / 255.0
					buffer[channelSize+i] = float32(src[x*4+1]) / 255.0
					buffer[channelSize*2+i] = float32(src[x*4+2]) / 255.0
				}
			}
		}(startRow, endRow)
	}

	wg.Wait()
}

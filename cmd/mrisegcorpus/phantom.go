package main

import (
	"fmt"
	"math"
	"math/rand/v2"
	"path/filepath"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/source"
)

const (
	phantomLesionDir = "lesion"
	phantomSize      = 64
	phantomDepth     = 12
)

// writePhantom writes a synthetic subject: a noisy elliptical head in the
// contrast series and a few spherical lesions in the lesion series.
func writePhantom(dir, contrast string, seed uint64) error {
	rng := rand.New(rand.NewPCG(seed, 0x5eed))

	head := models.NewVolume(phantomSize, phantomSize, phantomDepth)
	lesion := models.NewVolume(phantomSize, phantomSize, phantomDepth)
	for _, v := range []*models.Volume{head, lesion} {
		v.VoxelSize.X, v.VoxelSize.Y, v.VoxelSize.Z = 0.9, 0.9, 3
	}

	c := float64(phantomSize-1) / 2
	for z := 0; z < phantomDepth; z++ {
		for y := 0; y < phantomSize; y++ {
			for x := 0; x < phantomSize; x++ {
				dx, dy := (float64(x)-c)/(0.45*phantomSize), (float64(y)-c)/(0.38*phantomSize)
				if dx*dx+dy*dy <= 1 {
					head.Set(x, y, z, 800+200*dy+rng.NormFloat64()*25)
				}
			}
		}
	}

	for k := 0; k < 3; k++ {
		cx := c + (rng.Float64()-0.5)*phantomSize*0.4
		cy := c + (rng.Float64()-0.5)*phantomSize*0.3
		cz := float64(2 + rng.IntN(phantomDepth-4))
		radius := 2 + rng.Float64()*3
		for z := 0; z < phantomDepth; z++ {
			for y := 0; y < phantomSize; y++ {
				for x := 0; x < phantomSize; x++ {
					d := math.Sqrt(sq(float64(x)-cx) + sq(float64(y)-cy) + sq(3*(float64(z)-cz)))
					if d <= radius {
						lesion.Set(x, y, z, 1)
						head.Set(x, y, z, head.At(x, y, z)+400)
					}
				}
			}
		}
	}

	uid := fmt.Sprintf("1.2.826.0.1.3680043.8.498.%d", seed)
	if err := source.WriteDICOMSeries(filepath.Join(dir, contrast), head, uid+".1"); err != nil {
		return err
	}
	return source.WriteDICOMSeries(filepath.Join(dir, phantomLesionDir), lesion, uid+".2")
}

func sq(v float64) float64 { return v * v }

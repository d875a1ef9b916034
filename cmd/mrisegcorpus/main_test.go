package main

import (
	"path/filepath"
	"testing"

	"mrisegcorpus/internal/models"
	"mrisegcorpus/pkg/source"
)

// TestPhantomSubject writes a phantom and reads it back as a subject
func TestPhantomSubject(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sub-phantom")
	if err := writePhantom(dir, "T1w", 3); err != nil {
		t.Fatalf("writePhantom failed: %v", err)
	}

	subject, err := loadSubject(dir, []string{"T1w"}, []string{phantomLesionDir + "+" + phantomLesionDir}, "")
	if err != nil {
		t.Fatalf("loadSubject failed: %v", err)
	}
	if len(subject.Inputs) != 1 || len(subject.GroundTruth) != 1 || len(subject.GroundTruth[0]) != 2 {
		t.Fatalf("Expected 1 input and 1 class with 2 raters, got %d inputs and %v", len(subject.Inputs), subject.GroundTruth)
	}

	in := subject.Inputs[0]
	if in.Width != phantomSize || in.Height != phantomSize || in.Depth != phantomDepth {
		t.Errorf("Expected %dx%dx%d volume, got %dx%dx%d",
			phantomSize, phantomSize, phantomDepth, in.Width, in.Height, in.Depth)
	}

	lesionVoxels := 0
	for _, v := range subject.GroundTruth[0][0].Data {
		if v != 0 {
			lesionVoxels++
		}
	}
	if lesionVoxels == 0 {
		t.Error("Expected the phantom to contain lesion voxels")
	}

	src, err := source.NewVolumeSource(subject, models.Axial)
	if err != nil {
		t.Fatalf("NewVolumeSource failed: %v", err)
	}
	if src.NumSlices() != phantomDepth {
		t.Errorf("Expected %d slices, got %d", phantomDepth, src.NumSlices())
	}

	if _, err := loadSubject(dir, []string{"T1w"}, nil, "_roi"); err == nil {
		t.Error("Expected error for a missing ROI series")
	}
}

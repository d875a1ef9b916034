package source

import (
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"

	"mrisegcorpus/internal/models"
)

// dicomSlice is one decoded file of a series.
type dicomSlice struct {
	instance int
	pixels   []float64
	rows     int
	cols     int
	spacing  []float64
	thick    float64
}

// LoadDICOMSeries decodes a directory of single-frame DICOM files into a
// volume. Files are stacked along z by InstanceNumber; frame columns map to
// x and frame rows to y. Only native (unencapsulated) pixel data is read.
func LoadDICOMSeries(dir string) (*models.Volume, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading series directory: %w", err)
	}

	var slices []dicomSlice
	for _, e := range entries {
		if e.IsDir() || strings.EqualFold(e.Name(), "DICOMDIR") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		s, err := readDICOMSlice(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("error decoding %s: %w", e.Name(), err)
		}
		slices = append(slices, s)
	}
	if len(slices) == 0 {
		return nil, fmt.Errorf("no DICOM files found in %s", dir)
	}

	sort.SliceStable(slices, func(i, j int) bool { return slices[i].instance < slices[j].instance })

	first := slices[0]
	vol := models.NewVolume(first.cols, first.rows, len(slices))
	if len(first.spacing) == 2 {
		// PixelSpacing is row spacing (y) then column spacing (x).
		vol.VoxelSize.Y, vol.VoxelSize.X = first.spacing[0], first.spacing[1]
	}
	if first.thick > 0 {
		vol.VoxelSize.Z = first.thick
	}

	for z, s := range slices {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, fmt.Errorf("%w: instance %d is %dx%d, series is %dx%d",
				models.ErrShapeMismatch, s.instance, s.rows, s.cols, first.rows, first.cols)
		}
		copy(vol.Data[z*vol.Width*vol.Height:(z+1)*vol.Width*vol.Height], s.pixels)
	}
	return vol, nil
}

func readDICOMSlice(path string) (dicomSlice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return dicomSlice{}, err
	}

	pixelElem, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return dicomSlice{}, fmt.Errorf("missing pixel data: %w", err)
	}
	info := dicom.MustGetPixelDataInfo(pixelElem.Value)
	if len(info.Frames) != 1 {
		return dicomSlice{}, fmt.Errorf("expected 1 frame, got %d", len(info.Frames))
	}
	fr := info.Frames[0]
	if fr.Encapsulated {
		return dicomSlice{}, fmt.Errorf("encapsulated pixel data is not supported")
	}
	img, err := fr.GetImage()
	if err != nil {
		return dicomSlice{}, fmt.Errorf("error decoding frame: %w", err)
	}

	b := img.Bounds()
	s := dicomSlice{
		rows:   b.Dy(),
		cols:   b.Dx(),
		pixels: make([]float64, b.Dx()*b.Dy()),
	}
	for y := 0; y < s.rows; y++ {
		for x := 0; x < s.cols; x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			s.pixels[y*s.cols+x] = float64(g.Y)
		}
	}

	if v, ok := elementStrings(ds, tag.InstanceNumber); ok && len(v) > 0 {
		s.instance, _ = strconv.Atoi(strings.TrimSpace(v[0]))
	}
	if v, ok := elementStrings(ds, tag.PixelSpacing); ok {
		for _, f := range v {
			if n, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err == nil {
				s.spacing = append(s.spacing, n)
			}
		}
	}
	if v, ok := elementStrings(ds, tag.SliceThickness); ok && len(v) > 0 {
		s.thick, _ = strconv.ParseFloat(strings.TrimSpace(v[0]), 64)
	}
	return s, nil
}

// elementStrings reads a string-valued element such as IS or DS.
func elementStrings(ds dicom.Dataset, t tag.Tag) ([]string, bool) {
	elem, err := ds.FindElementByTag(t)
	if err != nil {
		return nil, false
	}
	v, ok := elem.Value.GetValue().([]string)
	return v, ok
}

// WriteDICOMSeries stores vol as one 16-bit MR file per axial slice, named
// IM000001, IM000002, ... Voxel values are rounded and clamped to [0, 65535].
func WriteDICOMSeries(dir string, vol *models.Volume, seriesUID string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating series directory: %w", err)
	}

	w, h := vol.Width, vol.Height
	for z := 0; z < vol.Depth; z++ {
		nativeFrame := frame.NewNativeFrame[uint16](16, h, w, w*h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				v := math.Round(vol.At(x, y, z))
				nativeFrame.RawData[y*w+x] = uint16(math.Max(0, math.Min(65535, v)))
			}
		}
		pixelData := dicom.PixelDataInfo{
			Frames: []*frame.Frame{{Encapsulated: false, NativeData: nativeFrame}},
		}

		instance := z + 1
		values := []struct {
			t tag.Tag
			v any
		}{
			{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}},
			{tag.MediaStorageSOPInstanceUID, []string{fmt.Sprintf("%s.%d", seriesUID, instance)}},
			{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
			{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.4"}},
			{tag.SOPInstanceUID, []string{fmt.Sprintf("%s.%d", seriesUID, instance)}},
			{tag.Modality, []string{"MR"}},
			{tag.SliceThickness, []string{formatDS(vol.VoxelSize.Z)}},
			{tag.SeriesInstanceUID, []string{seriesUID}},
			{tag.InstanceNumber, []string{strconv.Itoa(instance)}},
			{tag.SamplesPerPixel, []int{1}},
			{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
			{tag.Rows, []int{h}},
			{tag.Columns, []int{w}},
			{tag.PixelSpacing, []string{formatDS(vol.VoxelSize.Y), formatDS(vol.VoxelSize.X)}},
			{tag.BitsAllocated, []int{16}},
			{tag.BitsStored, []int{16}},
			{tag.HighBit, []int{15}},
			{tag.PixelRepresentation, []int{0}},
			{tag.PixelData, pixelData},
		}

		elements := make([]*dicom.Element, 0, len(values))
		for _, tv := range values {
			elem, err := dicom.NewElement(tv.t, tv.v)
			if err != nil {
				return fmt.Errorf("error creating element %v: %w", tv.t, err)
			}
			elements = append(elements, elem)
		}

		path := filepath.Join(dir, fmt.Sprintf("IM%06d", instance))
		if err := writeDataset(path, dicom.Dataset{Elements: elements}); err != nil {
			return fmt.Errorf("error writing %s: %w", path, err)
		}
	}
	return nil
}

func writeDataset(path string, ds dicom.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return dicom.Write(f, ds)
}

func formatDS(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}

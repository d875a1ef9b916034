package augment

import (
	"math"
	"math/rand/v2"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// maskFrom builds a 0/1 mask from rows of '#' and '.' characters
func maskFrom(lines ...string) *mat.Dense {
	m := mat.NewDense(len(lines), len(lines[0]), nil)
	for r, line := range lines {
		for c, ch := range line {
			if ch == '#' {
				m.Set(r, c, 1)
			}
		}
	}
	return m
}

// squareLesion returns a size x size mask with a 3x3 lesion centered at (cr, cc)
func squareLesion(size, cr, cc int) *mat.Dense {
	m := mat.NewDense(size, size, nil)
	for r := cr - 1; r <= cr+1; r++ {
		for c := cc - 1; c <= cc+1; c++ {
			m.Set(r, c, 1)
		}
	}
	return m
}

func TestLabel(t *testing.T) {
	mask := maskFrom(
		"##...",
		"##..#",
		"...#.",
		".....",
		"#####",
	)

	comps := Label(mask)
	if len(comps) != 4 {
		t.Fatalf("Expected 4 components, got %d: %v", len(comps), comps)
	}
	wantSizes := []int{4, 1, 1, 5}
	for i, comp := range comps {
		if len(comp) != wantSizes[i] {
			t.Errorf("Component %d: expected %d voxels, got %d", i, wantSizes[i], len(comp))
		}
	}
	if comps[0][0] != 0 {
		t.Errorf("Expected first component to start at voxel 0, got %d", comps[0][0])
	}

	if got := Label(mat.NewDense(3, 3, nil)); len(got) != 0 {
		t.Errorf("Expected no components in an empty mask, got %d", len(got))
	}
}

func TestDilateErode(t *testing.T) {
	point := maskFrom(
		".....",
		".....",
		"..#..",
		".....",
		".....",
	)

	plus := maskFrom(
		".....",
		"..#..",
		".###.",
		"..#..",
		".....",
	)
	if !mat.Equal(Dilate(point, 1), plus) {
		t.Errorf("Unexpected dilation:\n%v", mat.Formatted(Dilate(point, 1)))
	}

	diamond := maskFrom(
		"..#..",
		".###.",
		"#####",
		".###.",
		"..#..",
	)
	if !mat.Equal(Dilate(point, 2), diamond) {
		t.Errorf("Unexpected double dilation:\n%v", mat.Formatted(Dilate(point, 2)))
	}

	if !mat.Equal(Erode(plus, 1), point) {
		t.Errorf("Unexpected erosion:\n%v", mat.Formatted(Erode(plus, 1)))
	}

	// Foreground on the border erodes away.
	full := maskFrom("###", "###", "###")
	if !mat.Equal(Erode(full, 1), maskFrom("...", ".#.", "...")) {
		t.Errorf("Border voxels survived erosion:\n%v", mat.Formatted(Erode(full, 1)))
	}
}

func TestCloseAndFillHoles(t *testing.T) {
	square := squareLesion(9, 4, 4)
	if !mat.Equal(Close(square), square) {
		t.Errorf("Closing changed a square:\n%v", mat.Formatted(Close(square)))
	}

	ring := maskFrom(
		".......",
		".#####.",
		".#...#.",
		".#...#.",
		".#...#.",
		".#####.",
		".......",
	)
	filled := maskFrom(
		".......",
		".#####.",
		".#####.",
		".#####.",
		".#####.",
		".#####.",
		".......",
	)
	if !mat.Equal(FillHoles(ring), filled) {
		t.Errorf("Unexpected hole filling:\n%v", mat.Formatted(FillHoles(ring)))
	}

	open := maskFrom(
		".#####.",
		".#...#.",
		".#...#.",
		".##.##.",
	)
	if !mat.Equal(FillHoles(open), open) {
		t.Errorf("A region reaching the border was filled:\n%v", mat.Formatted(FillHoles(open)))
	}
}

// TestDilateLesionsIdentity verifies the no-op cases
func TestDilateLesionsIdentity(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	gt := squareLesion(15, 7, 7)

	for _, factor := range []float64{0, -0.5} {
		out := DilateLesions(gt, factor, rng)
		if !mat.Equal(out, gt) {
			t.Errorf("Factor %v changed the mask", factor)
		}
		out.Set(7, 7, 5)
		if gt.At(7, 7) != 1 {
			t.Errorf("Factor %v returned the input instead of a copy", factor)
		}
	}

	empty := mat.NewDense(10, 10, nil)
	if !mat.Equal(DilateLesions(empty, 1, rng), empty) {
		t.Error("Empty mask changed")
	}
}

// TestDilateLesionsSoftRings checks values, support and attachment over
// many random draws
func TestDilateLesionsSoftRings(t *testing.T) {
	const size, center = 21, 10
	gt := squareLesion(size, center, center)
	// area 9, factor 1 => 3 dilation steps, ring at distance d is (4-d)/4
	const k = 3

	for seed := uint64(0); seed < 50; seed++ {
		out := DilateLesions(gt, 1, rand.New(rand.NewPCG(seed, 7)))

		rows, cols := out.Dims()
		if rows != size || cols != size {
			t.Fatalf("Expected %dx%d output, got %dx%d", size, size, rows, cols)
		}

		support := 0
		for r := 0; r < size; r++ {
			for c := 0; c < size; c++ {
				v := out.At(r, c)
				if v < 0 || v > 1 {
					t.Fatalf("Seed %d: value %v at (%d,%d) outside [0,1]", seed, v, r, c)
				}
				if v == 0 {
					continue
				}
				support++

				d := max(0, abs(r-center)-1) + max(0, abs(c-center)-1)
				if d > k {
					t.Fatalf("Seed %d: voxel (%d,%d) at distance %d beyond %d steps", seed, r, c, d, k)
				}
				want := float64(k-d+1) / float64(k+1)
				if math.Abs(v-want) > 1e-12 {
					t.Errorf("Seed %d: voxel (%d,%d) at distance %d has %v, expected %v", seed, r, c, d, v, want)
				}
			}
		}

		for r := center - 1; r <= center+1; r++ {
			for c := center - 1; c <= center+1; c++ {
				if out.At(r, c) != 1 {
					t.Errorf("Seed %d: original lesion voxel (%d,%d) lost, got %v", seed, r, c, out.At(r, c))
				}
			}
		}
		if support < 9 {
			t.Errorf("Seed %d: expected support of at least 9 voxels, got %d", seed, support)
		}
	}
}

// TestDilateLesionsReproducible verifies that the result depends only on rng
func TestDilateLesionsReproducible(t *testing.T) {
	gt := squareLesion(25, 6, 6)
	gt.Add(gt, squareLesion(25, 17, 18))

	a := DilateLesions(gt, 1.5, rand.New(rand.NewPCG(42, 1)))
	b := DilateLesions(gt, 1.5, rand.New(rand.NewPCG(42, 1)))
	if !mat.Equal(a, b) {
		t.Error("Same seed produced different results")
	}

	for r := 0; r < 25; r++ {
		for c := 0; c < 25; c++ {
			if gt.At(r, c) == 1 && a.At(r, c) != 1 {
				t.Errorf("Lesion voxel (%d,%d) lost, got %v", r, c, a.At(r, c))
			}
		}
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

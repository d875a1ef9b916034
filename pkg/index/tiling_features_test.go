package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cucumber/godog"
	"gonum.org/v1/gonum/mat"

	"mrisegcorpus/internal/models"
)

// tilingContext holds state for a single scenario
type tilingContext struct {
	handlers []*Handler
	ix       *Index
	err      error
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

func InitializeScenario(sc *godog.ScenarioContext) {
	tc := &tilingContext{}

	sc.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		*tc = tilingContext{}
		return ctx, nil
	})

	sc.Step(`^a slice of (\d+) by (\d+) voxels$`, tc.aSliceOf)
	sc.Step(`^the index is built with length (\d+) and stride (\d+)$`, tc.theIndexIsBuiltWith)
	sc.Step(`^the index is built with length (\d+),(\d+) and stride (\d+),(\d+)$`, tc.theIndexIsBuiltPerAxis)
	sc.Step(`^the index is built without patches$`, tc.theIndexIsBuiltWithoutPatches)
	sc.Step(`^the row starts should be "([^"]*)"$`, tc.theRowStartsShouldBe)
	sc.Step(`^the index should have (\d+) entries$`, tc.theIndexShouldHaveEntries)
	sc.Step(`^entry (\d+) should cover rows (\d+) to (\d+) and columns (\d+) to (\d+)$`, tc.entryShouldCover)
	sc.Step(`^building should fail with a configuration error$`, tc.buildingShouldFail)
}

func (tc *tilingContext) aSliceOf(rows, cols int) error {
	h, err := NewHandler(models.SliceBundle{Input: []*mat.Dense{mat.NewDense(rows, cols, nil)}})
	if err != nil {
		return err
	}
	tc.handlers = append(tc.handlers, h)
	return nil
}

func (tc *tilingContext) theIndexIsBuiltWith(length, stride int) error {
	tc.ix, tc.err = Build(tc.handlers, Options{Length: []int{length, length}, Stride: []int{stride, stride}})
	return nil
}

func (tc *tilingContext) theIndexIsBuiltPerAxis(lenRows, lenCols, strideRows, strideCols int) error {
	tc.ix, tc.err = Build(tc.handlers, Options{Length: []int{lenRows, lenCols}, Stride: []int{strideRows, strideCols}})
	return nil
}

func (tc *tilingContext) theIndexIsBuiltWithoutPatches() error {
	tc.ix, tc.err = Build(tc.handlers, Options{})
	return nil
}

func (tc *tilingContext) theRowStartsShouldBe(expected string) error {
	if tc.err != nil {
		return fmt.Errorf("build failed: %w", tc.err)
	}
	var got []string
	for _, r := range tc.ix.Records() {
		if r.HandlerIndex != 0 || r.YMin != 0 {
			continue
		}
		got = append(got, strconv.Itoa(r.XMin))
	}
	if strings.Join(got, ",") != expected {
		return fmt.Errorf("expected row starts %s, got %s", expected, strings.Join(got, ","))
	}
	return nil
}

func (tc *tilingContext) theIndexShouldHaveEntries(count int) error {
	if tc.err != nil {
		return fmt.Errorf("build failed: %w", tc.err)
	}
	if tc.ix.Len() != count {
		return fmt.Errorf("expected %d entries, got %d", count, tc.ix.Len())
	}
	return nil
}

func (tc *tilingContext) entryShouldCover(i, xMin, xMax, yMin, yMax int) error {
	e, err := tc.ix.Entry(i)
	if err != nil {
		return err
	}
	if !e.IsPatch() {
		return fmt.Errorf("entry %d is not a patch", i)
	}
	want := PatchRecord{HandlerIndex: e.Handler, XMin: xMin, XMax: xMax, YMin: yMin, YMax: yMax}
	if *e.Patch != want {
		return fmt.Errorf("expected %+v, got %+v", want, *e.Patch)
	}
	return nil
}

func (tc *tilingContext) buildingShouldFail() error {
	if !errors.Is(tc.err, models.ErrConfiguration) {
		return fmt.Errorf("expected a configuration error, got %v", tc.err)
	}
	return nil
}

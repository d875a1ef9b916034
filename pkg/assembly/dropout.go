package assembly

import (
	"math/rand/v2"
	"sort"

	"mrisegcorpus/internal/models"
)

// DropModalities zeroes a random non-empty proper subset of the planes of
// in and marks their metadata records with dropout=true. The subset size is
// uniform in [1, N-1]. It returns the dropped channels in increasing order;
// with fewer than two channels nothing is dropped.
func DropModalities(in *models.Tensor, md []models.Metadata, rng *rand.Rand) []int {
	n := in.Len()
	if n < 2 {
		return nil
	}
	k := 1 + rng.IntN(n-1)
	dropped := rng.Perm(n)[:k]
	sort.Ints(dropped)

	for _, c := range dropped {
		in.Planes[c].Zero()
		if c < len(md) {
			if md[c] == nil {
				md[c] = models.Metadata{}
			}
			md[c][models.KeyDropout] = true
		}
	}
	return dropped
}

package ctrie

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// TestConcurrentStress runs the mixed workload over disjoint per-worker key
// ranges; with disjoint keys the final state of every key must equal the
// owning worker's last write.
func TestConcurrentStress(t *testing.T) {
	const (
		workers       = 8
		keysPerWorker = 1250
	)
	ops := 100000
	if testing.Short() {
		ops = 10000
	}

	tr := New(workers)
	defer tr.Close()

	models := make([]map[uint32]uint32, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := tr.Handle(w)
			defer h.Release()
			rng := rand.New(rand.NewSource(int64(w) + 1))
			model := make(map[uint32]uint32)
			base := uint32(w * keysPerWorker)
			for i := 0; i < ops; i++ {
				key := base + uint32(rng.Intn(keysPerWorker))
				switch roll := rng.Intn(100); {
				case roll < 40:
					v := rng.Uint32()
					h.Insert(key, v)
					model[key] = v
				case roll < 80:
					h.Lookup(key)
				default:
					h.Remove(key)
					delete(model, key)
				}
			}
			models[w] = model
		}()
	}
	wg.Wait()

	want := make(map[uint32]uint32)
	for _, model := range models {
		for k, v := range model {
			want[k] = v
		}
	}

	h := tr.Handle(0)
	defer h.Release()
	got := make(map[uint32]uint32)
	for k := uint32(0); k < workers*keysPerWorker; k++ {
		if v, ok := h.Lookup(k); ok {
			got[k] = v
		}
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("final state diverged from per-worker replay (-want +got):\n%s\ncounts: %s",
			diff, spew.Sdump(map[string]int{"want": len(want), "got": len(got)}))
	}
	checkInvariants(t, tr)
}

// TestConcurrentSharedKeys has every worker fight over the same small key
// range; the test asserts progress and structural health rather than values.
func TestConcurrentSharedKeys(t *testing.T) {
	const workers = 4
	ops := 20000
	if testing.Short() {
		ops = 2000
	}

	tr := New(workers)
	defer tr.Close()

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := tr.Handle(w)
			defer h.Release()
			rng := rand.New(rand.NewSource(int64(w) + 100))
			for i := 0; i < ops; i++ {
				key := uint32(rng.Intn(64))
				switch roll := rng.Intn(100); {
				case roll < 40:
					h.Insert(key, rng.Uint32())
				case roll < 80:
					h.Lookup(key)
				default:
					h.Remove(key)
				}
			}
		}()
	}
	wg.Wait()
	checkInvariants(t, tr)
}

package keyed

import (
	"fmt"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestMapBasics(t *testing.T) {
	m := New[int]()

	if _, ok := m.Load("a"); ok {
		t.Fatal("empty map returned a value")
	}

	m.Store("a", 1)
	if v, ok := m.Load("a"); !ok || v != 1 {
		t.Fatalf("Load(a) = %d, %v", v, ok)
	}

	if v, loaded := m.LoadOrStore("a", 2); !loaded || v != 1 {
		t.Errorf("LoadOrStore on existing key = %d, %v", v, loaded)
	}
	if v, loaded := m.LoadOrStore("b", 2); loaded || v != 2 {
		t.Errorf("LoadOrStore on new key = %d, %v", v, loaded)
	}

	if v, ok := m.LoadAndDelete("a"); !ok || v != 1 {
		t.Errorf("LoadAndDelete(a) = %d, %v", v, ok)
	}
	if _, ok := m.LoadAndDelete("a"); ok {
		t.Error("second LoadAndDelete must miss")
	}

	m.Delete("b")
	if m.Len() != 0 {
		t.Errorf("Len = %d, want 0", m.Len())
	}
}

func TestMapCompute(t *testing.T) {
	m := New[[]string]()

	appendTo := func(v string) {
		m.Compute("k", func(old []string, _ bool) ([]string, bool) {
			return append(old, v), true
		})
	}
	appendTo("x")
	appendTo("y")

	got, _ := m.Load("k")
	if diff := cmp.Diff([]string{"x", "y"}, got); diff != "" {
		t.Errorf("Compute mismatch (-want +got):\n%s", diff)
	}

	m.Compute("k", func([]string, bool) ([]string, bool) { return nil, false })
	if _, ok := m.Load("k"); ok {
		t.Error("Compute with keep=false must delete")
	}
}

func TestMapRange(t *testing.T) {
	m := New[int]()
	for i := 0; i < 200; i++ {
		m.Store(fmt.Sprintf("k%03d", i), i)
	}

	var keys []string
	m.Range(func(k string, _ int) bool {
		keys = append(keys, k)
		return true
	})
	sort.Strings(keys)
	if len(keys) != 200 || keys[0] != "k000" || keys[199] != "k199" {
		t.Fatalf("Range visited %d keys", len(keys))
	}

	visited := 0
	m.Range(func(string, int) bool {
		visited++
		return visited < 5
	})
	if visited != 5 {
		t.Errorf("Range did not stop early, visited %d", visited)
	}
}

func TestMapConcurrentLoadOrStore(t *testing.T) {
	m := New[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0

	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, loaded := m.LoadOrStore("same", i); !loaded {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want exactly 1", winners)
	}
}

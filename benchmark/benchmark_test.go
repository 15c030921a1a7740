package benchmark

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/r2faye/tinylsm/internal/lsm"
	"github.com/r2faye/tinylsm/pkg/kv"
)

func setupDB(b *testing.B) *kv.DB {
	dir := filepath.Join(b.TempDir(), "bench-db")
	db, err := kv.Open(dir)
	if err != nil {
		b.Fatalf("failed to open db: %v", err)
	}
	return db
}

func BenchmarkPut(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	values := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = fmt.Sprintf("value-%d", i)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Put(keys[i], values[i]); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i%numKeys)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := db.Get(keys[i])
		if err != nil && err != kv.ErrNotFound {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

// BenchmarkGetFromSSTable forces a small memtable so writes flush to
// SSTable well before b.N keys are written, exercising the on-disk
// read path rather than the memtable.
func BenchmarkGetFromSSTable(b *testing.B) {
	dir := filepath.Join(b.TempDir(), "bench-db")
	e, err := lsm.Open(lsm.Options{DataDir: dir, MemFreezeSize: 1 << 14, Level0Count: 4, BlockSize: 4096})
	if err != nil {
		b.Fatalf("failed to open engine: %v", err)
	}
	defer e.Close()

	numKeys := 10000
	valueSize := 100
	for i := 0; i < numKeys; i++ {
		key := []byte(fmt.Sprintf("key-%08d", i))
		value := make([]byte, valueSize)
		for j := range value {
			value[j] = byte(i + j)
		}
		if err := e.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%08d", i%numKeys)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, _, err := e.Get([]byte(keys[i]))
		if err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkPutGet(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	values := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		values[i] = fmt.Sprintf("value-%d", i)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Put(keys[i], values[i]); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		if _, err := db.Get(keys[i]); err != nil {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkSequentialWrite(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%010d", i)
		value := fmt.Sprintf("value-%010d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkRandomRead(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%08d", i)
		value := fmt.Sprintf("value-%08d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	rng := rand.New(rand.NewSource(42))
	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%08d", rng.Intn(numKeys))
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_, err := db.Get(keys[i])
		if err != nil && err != kv.ErrNotFound {
			b.Fatalf("Get failed: %v", err)
		}
	}
}

func BenchmarkDelete(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	keys := make([]string, b.N)
	for i := 0; i < b.N; i++ {
		keys[i] = fmt.Sprintf("key-%d", i)
		if err := db.Put(keys[i], fmt.Sprintf("value-%d", i)); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		if err := db.Delete(keys[i]); err != nil {
			b.Fatalf("Delete failed: %v", err)
		}
	}
}

func BenchmarkWriteLargeValues(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	largeValue := make([]byte, 10*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	valueStr := string(largeValue)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		if err := db.Put(key, valueStr); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkWriteSmallValues(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("v%d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}
}

func BenchmarkConcurrentWrites(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	b.ResetTimer()
	b.ReportAllocs()

	var counter int64
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := fmt.Sprintf("key-%d-%d", counter, i)
			value := fmt.Sprintf("value-%d-%d", counter, i)
			if err := db.Put(key, value); err != nil {
				b.Fatalf("Put failed: %v", err)
			}
			i++
		}
		counter++
	})
}

func BenchmarkConcurrentReads(b *testing.B) {
	db := setupDB(b)
	defer db.Close()

	numKeys := 1000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("key-%d", i)
		value := fmt.Sprintf("value-%d", i)
		if err := db.Put(key, value); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
	}

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		rng := rand.New(rand.NewSource(42))
		for pb.Next() {
			key := fmt.Sprintf("key-%d", rng.Intn(numKeys))
			_, err := db.Get(key)
			if err != nil && err != kv.ErrNotFound {
				b.Fatalf("Get failed: %v", err)
			}
		}
	})
}

// BenchmarkTxnCommit measures the cost of a small transaction's
// commit path (WAL write plus memtable apply) versus a single
// auto-committed Put.
func BenchmarkTxnCommit(b *testing.B) {
	e, err := lsm.Open(lsm.Options{DataDir: filepath.Join(b.TempDir(), "bench-db")})
	if err != nil {
		b.Fatalf("failed to open engine: %v", err)
	}
	defer e.Close()

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		txn, err := e.BeginTxn(lsm.ReadCommitted)
		if err != nil {
			b.Fatalf("BeginTxn failed: %v", err)
		}
		key := []byte(fmt.Sprintf("key-%d", i))
		if err := txn.Put(key, []byte("value")); err != nil {
			b.Fatalf("Put failed: %v", err)
		}
		if err := txn.Commit(false); err != nil {
			b.Fatalf("Commit failed: %v", err)
		}
	}
}

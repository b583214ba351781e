package cache

import (
	"context"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func BenchmarkMemoryTierGet(b *testing.B) {
	tier, err := NewMemoryTier(DefaultMemoryConfig(), zaptest.NewLogger(b))
	if err != nil {
		b.Fatal(err)
	}
	defer tier.Close()

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		tier.Put(ctx, testBenchEntry("fp"+strconv.Itoa(i)))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			tier.Get(ctx, "fp"+strconv.Itoa(i%1000))
			i++
		}
	})
}

func BenchmarkMemoryTierPut(b *testing.B) {
	tier, err := NewMemoryTier(DefaultMemoryConfig(), zaptest.NewLogger(b))
	if err != nil {
		b.Fatal(err)
	}
	defer tier.Close()

	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tier.Put(ctx, testBenchEntry("fp"+strconv.Itoa(i%1000)))
	}
}

func testBenchEntry(fp string) *Entry {
	e := testEntry(fp, "Focus on form today: three sets, leave two reps in reserve.", 5*time.Minute)
	e.Tags = nil
	return e
}
